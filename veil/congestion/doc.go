// Package congestion decides how fast a session may emit packets.
//
// The controller is built for lossy last-mile links rather than fairness. Loss
// alone never lowers the rate; it only feeds the FEC engine. The rate drops
// when short-term RTT rises well above the baseline for several consecutive
// samples, which indicates a queue building at a bottleneck.
package congestion
