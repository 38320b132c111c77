/*
Core runs the matching engines.

# Module
  - shard: one goroutine per instrument owning its engine and book
  - router: the only handoff into a shard, a bounded FIFO command queue
  - session: opens and closes instruments on the trading schedule, expiring day orders at close

# Source
 1. order gateway commands (new, cancel, modify)
 2. session scheduler expiry
 3. feed snapshot requests

# Produce
  - sequenced events through the journal

# Sharded
  - instrument
*/
package core
