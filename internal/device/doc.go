// Package device owns device identity: registration with token rotation,
// heartbeat handling and the lazily evaluated online/offline status.
//
// Status never changes on a timer. A device is reported offline once a read
// observes that its last heartbeat is older than the staleness window, and
// that read persists the transition.
package device
