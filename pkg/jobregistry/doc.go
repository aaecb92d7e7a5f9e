// Package jobregistry runs functions as detached background jobs and tracks
// them on disk.
//
// A Job is identified by an id that doubles as its directory name under the
// Manager's base dir. Job.Start re-executes the current binary as a worker
// process in its own session; the worker runs a function looked up in a
// Registry, captures its stdout and stderr in one file, and keeps the job's
// status record up to date with the parsed progress. Any process sharing the
// base dir can then query, stop or delete the job.
//
// Binaries that start jobs must hand over to RunWorker when IsWorkerProcess
// reports true, before doing anything else:
//
//	func main() {
//		if jobregistry.IsWorkerProcess() {
//			os.Exit(jobregistry.RunWorker(registry, jobregistry.WorkerOptions{}))
//		}
//		...
//	}
package jobregistry
