// Package capture is a media capture pipeline: sources feed per-path
// processing, fan-out queues carry finished frames to consumers and to
// per-path container muxers.
//
// Key pieces include:
//   - Engine: opens sources, negotiates formats, runs the source workers
//   - Path: a consumer lane with its own sink format, muxer and overlay
//   - CopyPath: the built-in pass-through ProcessPath with RGB565 overlay
//   - MsgQueue, ByteQueue, ShareQueue: the blocking queue primitives
//   - TS/fMP4 muxers, RTPSink and TrackSink output adapters
//
// # Architecture
//
//	Audio source -> audio worker -> byte queue -> ProcessPath -> fan-out -> user / muxer
//	Video source -> video worker -> msg queue  -> ProcessPath -> fan-out -> user / muxer
//
// Each enabled path owns one fan-out per stream with two consumer slots:
// the user-facing queue drained by Path.AcquireFrame, and the muxer queue
// drained by the path's muxer worker. A source frame returns to its source
// only after every consumer of every path has released it.
//
// # Synchronization
//
// A SyncClock (none, audio-driven or system) corrects pts drift: raw video
// running ahead of the clock is dropped, frames lagging more than the
// tolerance are retimed. Audio pts derive from the sample counter and are
// monotonic by construction.
package capture
