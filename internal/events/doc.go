// Package events carries task lifecycle notifications from the processor to
// interested handlers without coupling the processor to any transport.
//
// The primary components are:
// - TaskEvent: the outcome of a task reaching SUCCESS, FAILED or TIMEOUT
// - EventHandler: interface for components that consume events
// - EventEmitter: interface for components that publish events
package events
