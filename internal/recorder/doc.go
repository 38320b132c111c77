/*
Recorder keeps every sequenced event in an append-only segmented log.

# Module
  - writer: single goroutine appends, rotation by size and age, crc32c per record
  - reader: validates header, checksum and payload bounds
  - playback: file-ordered replay restricted to a sequence range

# Source
  - journal, after the history store accepted the event

# Produce
  - state recovery (snapshot + tail)
  - engine replay and dump commands

# Sharded
  - none
*/
package recorder
