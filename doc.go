/*
Package revdb implements a multi-version document store with revision trees
on top of an embedded key-value store (Bolt by default; Badger, Pebble and
an in-memory store are also available).

Every document keeps a tree of revisions. Local edits append a child to the
current revision; revisions received from other peers are inserted together
with their missing ancestors, and may start a conflicting branch. Exactly one
leaf wins deterministically, so peers that hold the same tree agree on the
current revision without talking to each other.

We implement:

1. Revision IDs in two schemes: "gen-digest" (TreeMode, the digest hashes the
parent ID, deletion flag and body) and "counter@peer" (VectorMode).

2. Revision trees: insertion with conflict detection, winner selection,
pruning by depth, purging, common and possible ancestors.

3. Documents: a loaded tree plus a cursor over its revisions, with
put/update/delete/resolve/purge operations that persist through a
transaction.

4. Transactions: one writer at a time, any number of readers; rolling back
reverts every Document mutated through the transaction.

# Technical Details

**Buckets.**
Three buckets: "docs" maps a document ID to its record, "seqs" maps a
big-endian sequence to the document ID last saved with it, "meta" holds the
last sequence, the ID scheme and the peer ID. Backends without native buckets
prefix keys with the bucket name and a zero byte.

**Sequences.**
Every save takes the next store-wide sequence; revisions added by that save
are stamped with it. The "seqs" bucket only keeps a document's latest
sequence, which makes it a changes feed.

## Record encoding

A record is a 10-byte header followed by a payload:
1. Version (1 byte, currently 1).
2. Flags (1 byte; 0x01 means the payload is zstd-compressed).
3. xxhash64 of the payload as stored (8 bytes, big endian).

The payload is msgpack of the document flags, sequence and a flat list of
revisions. Each revision stores its binary ID, the index of its parent in the
list (-1 for roots), its flags, sequence and body. Ancestor bodies are dropped
unless the revision is marked RevKeepBody, so only leaves normally carry one.

**Binary revision IDs**: a kind byte (0 = tree, 1 = vector), uvarint
generation, then varbytes digest or peer.

## Change journal

With Options.JournalDir set, each commit also appends its changes to a
segmented journal ("changes-*.wal", see package journal) as one batch of
msgpack records. The journal is written after the store commits, so it may
miss the tail of a crash, but it never holds changes the store lost.
ReadJournal replays it.
*/
package revdb
