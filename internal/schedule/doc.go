// Package schedule enqueues recurring robot tasks.
//
// A Definition names a task template, a time of day and a set of
// weekdays. The Scheduler scans active definitions every poll interval
// and writes due ones into the task queue, which the task executor drains.
//
// A definition is due when today is one of its weekdays and either its
// time is the current minute, or its time has already passed today and
// the queue holds no entry for it dated today. The second rule catches up
// after missed scans without enqueuing twice on the same day.
//
// Times are interpreted in the site time zone.
package schedule
