/*

Package replica implements the replication and consensus core of a small order-processing platform.

A cluster of order replicas keeps a consistent ledger of orders in one of two modes fixed at start up. In the
quorum (raft-lite) mode the leader appends a log entry, replicates it to followers, and commits only when a strict
majority of the configured cluster size acknowledges it; an abort restores catalog stock through a compensating
call. In the simple mode the leader applies an order immediately and propagates it best-effort.

A Coordinator, typically run by the front end, tracks the replicas, elects the reachable replica with the highest
id as leader, polls health, admits joining replicas, and re-elects on connection failure.

*/
package replica
