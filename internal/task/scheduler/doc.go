// Package scheduler finds due tasks and hands them to the execution engine
// (Dispatcher), and runs periodic housekeeping jobs on robfig/cron (Cron).
package scheduler
