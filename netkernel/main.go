// Command netkernel runs workloads on the netkernel simulation engine.
package main

import "github.com/sarchlab/netkernel/netkernel/cmd"

func main() {
	cmd.Execute()
}
