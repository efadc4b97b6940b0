// Package worker provides the consumer pools that drive leadflow executions
// forward.
//
// A Worker claims jobs from one task queue and calls the runtime's Advance
// for each of them. It acks the job when Advance succeeds and fails it
// otherwise, letting the queue decide between a backoff retry and the
// dead-letter state. Workers make no scheduling decisions: which node runs
// next, and when, is decided entirely by the runtime.
//
// # Pools
//
// The runtime feeds two queues, immediate and delayed. Pools runs one Worker
// per queue so that a backlog of immediate work never holds back resumed
// delays and the other way round. Each Worker runs Config.Pollers concurrent
// claim loops. Any number of processes may consume the same queues.
//
// # Leases and heartbeats
//
// A claimed job stays invisible to other consumers for Config.Visibility.
// While Advance runs, the worker renews the lease every
// Config.HeartbeatInterval. If a renewal reports the lease lost, the
// in-flight Advance is cancelled; the job is then delivered again elsewhere
// and the runtime's current-node guard absorbs whichever delivery loses.
//
// # Failures
//
// Errors classified retryable by api.IsRetryable are rescheduled with the
// queue's backoff. Everything else, and retryable errors that exhausted the
// queue's attempt budget, is dead-lettered. When a job is dead-lettered the
// worker asks the runtime to abandon the execution at that node and reports
// the job through Observer.OnJobDeadLettered.
//
// On shutdown the in-flight job is neither acked nor failed. Its lease
// expires and another worker picks it up.
//
// # Usage
//
//	pools := worker.NewPools(runtime, runtime.Queues(), worker.Config{
//		Pollers:    8,
//		Visibility: time.Minute,
//		Logger:     logger,
//	})
//	if err := pools.Run(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// Most applications get a configured runtime and pools from the leadflow
// package instead of wiring them by hand.
package worker
