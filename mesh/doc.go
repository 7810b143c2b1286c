// Package mesh assembles the meshcore building blocks into a running node.
//
// meshcore is a self-organizing peer-to-peer mesh. Nodes carry post-quantum
// identities (ML-DSA-65, optionally paired with Ed25519), find each other
// through a Kademlia routing table and discovery service, exchange padded,
// traffic-shaped envelopes over UDP with hole punching and relay or stream
// fallbacks, and agree on membership through a Raft-style consensus that
// detects and excludes Byzantine members.
//
// A Node wires the subpackages together:
//
//	identity   keys, rotation, NodeIDs and the peer keyring
//	routing    the k-bucket table and its snapshot
//	discovery  iterative lookups, announcements and multicast
//	transport  envelopes, shaping, fragmentation, NAT traversal
//	consensus  the replicated membership log
//	control    a ZeroMQ status and command surface
//
// Configuration comes from DefaultConfig, overlaid by .env files and MESH_*
// environment variables through LoadConfig.
package mesh
