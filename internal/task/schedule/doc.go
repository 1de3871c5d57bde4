// Package schedule holds ready tasks and hands them to consumers in policy
// order.
//
// Two policies are available: "fifo" (default) releases tasks in the order
// they became ready, breaking ties by priority; "priority" always releases the
// highest priority ready task first. Tasks with a future start time wait in a
// delay heap until they are due.
package schedule
