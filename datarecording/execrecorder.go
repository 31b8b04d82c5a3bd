package datarecording

import (
	"os"
	"strings"
	"time"
)

const execTableName = "exec_info"

type execInfo struct {
	Property string
	Value    string
}

// ExecRecorder records facts about the program execution, such as the
// command line and the start and end times.
type ExecRecorder struct {
	recorder DataRecorder
	entries  []execInfo
}

// NewExecRecorder creates the exec_info table on the recorder.
func NewExecRecorder(recorder DataRecorder) *ExecRecorder {
	recorder.CreateTable(execTableName, execInfo{})

	return &ExecRecorder{recorder: recorder}
}

// Set records a property of the execution.
func (e *ExecRecorder) Set(property, value string) {
	e.entries = append(e.entries, execInfo{Property: property, Value: value})
}

// Start records the start time, the command and the working directory.
func (e *ExecRecorder) Start() {
	e.Set("Start Time", formatNow())
	e.Set("Command", strings.Join(os.Args, " "))

	if wd, err := os.Getwd(); err == nil {
		e.Set("Working Directory", wd)
	}
}

// End records the end time and writes everything to the database.
func (e *ExecRecorder) End() {
	e.Set("End Time", formatNow())

	for _, entry := range e.entries {
		e.recorder.InsertData(execTableName, entry)
	}

	e.entries = nil
	e.recorder.Flush()
}

func formatNow() string {
	return time.Now().Format("2006-01-02 15:04:05.000000000")
}
