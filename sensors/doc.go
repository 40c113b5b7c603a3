// Package sensors hosts the transport adapters of the bus.
//
// Each Sensor carries envelopes over one network overlay. The sensors
// service starts the sensors named by the "sensors.registered" property and
// selects one per envelope:
//
//   - an explicit sensitivity header is binding: NONE and LOW use clearnet,
//     MEDIUM Tor, HIGH I2P, VERY_HIGH I2P-Bote and EXTREME the mesh;
//   - otherwise the route operation suffix and the url header are matched
//     against the active sensors.
//
// Envelopes without a matching active sensor are dead-lettered. A HIGH
// envelope is never downgraded to clearnet.
package sensors
