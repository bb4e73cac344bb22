// Package canrelay implements the CAN relay bridge for Gray Logic.
//
// This package provides access to a CAN network of floor-distributed relay
// output nodes. It discovers the nodes present on each floor, mirrors their
// on/off state in a local cache, and switches them on command.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │  CAN Relay      │  Device   CAN bus
//	│      Core       │◄────────►│  Bridge         │◄────────► relay nodes
//	└─────────────────┘          └─────────────────┘
//
// Access owns the protocol state machine. Callers invoke Connect,
// HandleSwitchCommand, DetectLightStates, InitCache and RefreshCache. The
// Device delivers received frames on its own reader goroutine through
// OnMessage, which both applies live state changes and completes pending
// request/response exchanges.
//
// # Node Addressing
//
// A node ID packs the floor into bit 7 and up, and the relay index into the
// low 7 bits:
//
//	0x15 → floor 0, relay 0x15
//	0x95 → floor 1, relay 0x15
//
// # Failure Policy
//
// Transport errors never cross the Access API. A failed send yields false, a
// missing reply means "no node at that address", and OnDeviceFatalError is
// the one path that declares the connection unusable.
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Discovery passes are
// serialised per Access instance.
package canrelay
