package distributed

// A Device receives the payloads of Records addressed to it.
type Device interface {
	Deliver(payload []byte)
}

// DeviceFunc adapts a function to a Device.
type DeviceFunc func(payload []byte)

// Deliver calls f.
func (f DeviceFunc) Deliver(payload []byte) {
	f(payload)
}

// A Node owns devices and the context its events run in.
type Node interface {
	Context() uint32
	Device(id uint32) (Device, bool)
}

// A Registry resolves the node ids carried by Records.
type Registry interface {
	Node(id uint32) (Node, bool)
}

// A Packet is a payload that knows how to serialize itself.
type Packet interface {
	Size() int
	Serialize() ([]byte, error)
}

// BasicNode is a Node backed by a map of devices.
type BasicNode struct {
	context uint32
	devices map[uint32]Device
}

// NewBasicNode creates a node whose events run in the given context.
func NewBasicNode(context uint32) *BasicNode {
	return &BasicNode{
		context: context,
		devices: make(map[uint32]Device),
	}
}

// Context returns the context of the node.
func (n *BasicNode) Context() uint32 {
	return n.context
}

// AddDevice attaches a device under id.
func (n *BasicNode) AddDevice(id uint32, d Device) {
	n.devices[id] = d
}

// Device looks up a device.
func (n *BasicNode) Device(id uint32) (Device, bool) {
	d, ok := n.devices[id]
	return d, ok
}

// MapRegistry is a Registry backed by a map.
type MapRegistry struct {
	nodes map[uint32]Node
}

// NewMapRegistry creates an empty registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{nodes: make(map[uint32]Node)}
}

// Add registers a node under id.
func (r *MapRegistry) Add(id uint32, n Node) {
	r.nodes[id] = n
}

// Node looks up a node.
func (r *MapRegistry) Node(id uint32) (Node, bool) {
	n, ok := r.nodes[id]
	return n, ok
}
