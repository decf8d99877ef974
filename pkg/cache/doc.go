// Package cache records the nodes a provisioner has provisioned.
//
// A provisioner must not hand out a unicast address that another node of the network already
// uses, and later configuration of a node requires the device key derived during provisioning. A
// [NodeCache] keeps both, keyed by device UUID, and can be exported to and imported from a file.
//
// The exported data contains device keys. Access controls should be used to prevent third parties
// from reading or tampering with it.
package cache
