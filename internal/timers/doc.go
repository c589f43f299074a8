// Package timers runs recurring tasks.
//
// A RecurringTask reports, after each run, whether it wants to run again and
// how long to wait first. SeriesTimer owns the loop around one task:
//
//	t := timers.NewSeriesTimer(task, sink, timers.WithInitialWait(0))
//	t.Start()
//	defer t.Dispose()
//	...
//	_ = t.Stop(ctx) // graceful: let the in-flight run finish
//
// Faults raised by a run never stop the loop. They are forwarded to a
// FaultSink (typically the host-wide Dispatcher) and the next run is
// scheduled after a fallback wait.
package timers
