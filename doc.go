/*
Package ycsbkv implements the record store layer of a key-value benchmark
binding: the read, insert, update, delete and scan operations a YCSB-style
driver issues, on top of a Redis-compatible server or an embedded store.

We implement:

1. A bounded connection pool shared by every worker of a process, created by
the first worker and closed when the last one disconnects.

2. Two record codecs: flat hashes (field upserts) and JSON documents (whole
document replace).

3. Two scan indexes: a client-maintained sorted set scored by insertion
ordinal, and a server-side search index over a numeric id field.

4. Three store assemblies combining them: hash with sorted set, hash with
search index, and JSON with search index.

# Technical Details

**Connections.**
Everything above the pool talks to the server through the Conn interface.
RedisClient dials real servers with go-redis; Embedded implements the same
command set over Bolt (or memory) for single-process runs and tests.

**Scan order.**
The sorted set index scores each key with a process-wide insertion sequence,
so scans follow insertion order, not key order. A scan starting at a key
that was never indexed returns nothing. The search index orders by the
numeric id, which is the key's numeric suffix for hashes and a 53-bit hash of
the key for JSON documents. Hash ids may collide; colliding keys share a
position.

**Index consistency.**
Record writes and index updates are separate commands. If the index update
fails after the write succeeded, the write stands, the operation still
succeeds, and the drift is logged and counted.

**Scan fetches.**
A scan resolves its keys with one connection, then fetches the records
concurrently with up to scan.fanout.limit leases. Any failed fetch, including
a record deleted between the two steps, fails the whole scan.

## Embedded layout

Flat buckets:
1. keys: key to type byte (h, j or z).
2. hash: key to msgpack map of fields.
3. json: key to raw JSON document.
4. ftindex: index name to msgpack index definition.
5. zscore:<set>: member to 8-byte sortable score.
6. zrank:<set>: sortable score followed by member, empty value.
*/
package ycsbkv
