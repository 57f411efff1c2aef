//go:build !js && !wasm
// +build !js,!wasm

package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/himanishpuri/acousticdna-listen/pkg/models"
)

// Key layout:
//
//	t/<trackID>                 -> msgpack trackRecord
//	n/<artist>\x00<title>       -> trackID
//	k/<trackID>                 -> msgpack []uint32 hashes indexed for the track
//	h/<hash BE32>/<trackID>     -> msgpack []uint32 anchor times
var (
	prefixTrack   = []byte("t/")
	prefixName    = []byte("n/")
	prefixKeys    = []byte("k/")
	prefixPosting = []byte("h/")
)

// BadgerStore keeps postings in BadgerDB, one key per (hash, track).
type BadgerStore struct {
	db   *badger.DB
	opts Options
}

type BadgerOptions struct {
	Options Options

	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string

	// InMemory runs BadgerDB without disk persistence. Useful for tests.
	InMemory bool
}

func OpenBadger(bopts BadgerOptions) (*BadgerStore, error) {
	opts := bopts.Options.withDefaults()
	if !bopts.InMemory && bopts.Dir == "" {
		return nil, errors.New("badger: Dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(bopts.Dir)
	if bopts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{opts.Logger})

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &BadgerStore{db: db, opts: opts}, nil
}

func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func trackKey(id string) []byte { return append(append([]byte{}, prefixTrack...), id...) }
func keysKey(id string) []byte  { return append(append([]byte{}, prefixKeys...), id...) }
func nameKey(title, artist string) []byte {
	k := append(append([]byte{}, prefixName...), artist...)
	k = append(k, 0)
	return append(k, title...)
}

func hashPrefix(hash uint32) []byte {
	k := make([]byte, 0, len(prefixPosting)+5)
	k = append(k, prefixPosting...)
	k = binary.BigEndian.AppendUint32(k, hash)
	return append(k, '/')
}

func postingKey(hash uint32, trackID string) []byte {
	return append(hashPrefix(hash), trackID...)
}

func (b *BadgerStore) Query(ctx context.Context, fps []models.Fingerprint) ([]models.Candidate, error) {
	return scoreCandidates(ctx, b, fps, b.opts.MaxCandidates)
}

func (b *BadgerStore) postings(ctx context.Context, codes []uint32) (map[uint32][]models.Couple, error) {
	result := make(map[uint32][]models.Couple)
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for _, code := range codes {
			if err := ctx.Err(); err != nil {
				return err
			}
			prefix := hashPrefix(code)
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				trackID := string(item.Key()[len(prefix):])
				var anchors []uint32
				err := item.Value(func(val []byte) error {
					return msgpack.Unmarshal(val, &anchors)
				})
				if err != nil {
					return fmt.Errorf("%w: posting %08x/%s: %v", models.ErrMalformedResponse, code, trackID, err)
				}
				for _, a := range anchors {
					result[code] = append(result[code], models.Couple{TrackID: trackID, AnchorTimeMs: a})
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BadgerStore) trackRecords(ctx context.Context, ids []string) (map[string]trackRecord, error) {
	out := make(map[string]trackRecord, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			rec, err := getTrack(txn, id)
			if errors.Is(err, ErrTrackNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = rec
		}
		return nil
	})
	return out, err
}

func getTrack(txn *badger.Txn, id string) (trackRecord, error) {
	var rec trackRecord
	item, err := txn.Get(trackKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %s", ErrTrackNotFound, id)
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, fmt.Errorf("%w: track %s: %v", models.ErrMalformedResponse, id, err)
	}
	return rec, nil
}

func putTrack(txn *badger.Txn, rec trackRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding track: %w", err)
	}
	return txn.Set(trackKey(rec.Track.ID), data)
}

func (b *BadgerStore) RegisterTrack(title, artist string, durationMs int) (string, error) {
	var id string
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(title, artist))
		if err == nil {
			existing, err := item.ValueCopy(nil)
			id = string(existing)
			return err
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		id = uuid.NewString()
		rec := trackRecord{Track: models.Track{
			ID:         id,
			Title:      title,
			Artist:     artist,
			DurationMs: durationMs,
			CreatedAt:  time.Now().UTC(),
		}}
		if err := putTrack(txn, rec); err != nil {
			return err
		}
		return txn.Set(nameKey(title, artist), []byte(id))
	})
	if err != nil {
		return "", fmt.Errorf("registering track: %w", err)
	}
	return id, nil
}

func (b *BadgerStore) StoreFingerprints(trackID string, postings map[uint32][]models.Couple, codeCount int) error {
	type postingKeyT struct {
		hash    uint32
		trackID string
	}
	grouped := make(map[postingKeyT][]uint32)
	for hash, couples := range postings {
		for _, cou := range couples {
			k := postingKeyT{hash, cou.TrackID}
			grouped[k] = append(grouped[k], cou.AnchorTimeMs)
		}
	}

	txn := b.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	rec, err := getTrack(txn, trackID)
	if err != nil {
		return err
	}

	// set retries once in a fresh transaction when the current one is full
	set := func(key, val []byte) error {
		err := txn.Set(key, val)
		if !errors.Is(err, badger.ErrTxnTooBig) {
			return err
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		txn = b.db.NewTransaction(true)
		return txn.Set(key, val)
	}

	hashes := make([]uint32, 0, len(grouped))
	for k, anchors := range grouped {
		key := postingKey(k.hash, k.trackID)
		existing, err := readAnchors(txn, key)
		if err != nil {
			return err
		}
		data, err := msgpack.Marshal(append(existing, anchors...))
		if err != nil {
			return fmt.Errorf("encoding posting: %w", err)
		}
		if err := set(key, data); err != nil {
			return fmt.Errorf("writing posting: %w", err)
		}
		if k.trackID == trackID {
			hashes = append(hashes, k.hash)
		}
	}

	known, err := readAnchors(txn, keysKey(trackID))
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(mergeHashes(known, hashes))
	if err != nil {
		return fmt.Errorf("encoding key list: %w", err)
	}
	if err := set(keysKey(trackID), data); err != nil {
		return err
	}

	rec.CodeCount += codeCount
	data, err = msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding track: %w", err)
	}
	if err := set(trackKey(trackID), data); err != nil {
		return err
	}
	return txn.Commit()
}

func readAnchors(txn *badger.Txn, key []byte) ([]uint32, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []uint32
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", models.ErrMalformedResponse, key, err)
	}
	return out, nil
}

func mergeHashes(a, b []uint32) []uint32 {
	seen := make(map[uint32]struct{}, len(a)+len(b))
	out := make([]uint32, 0, len(a)+len(b))
	for _, h := range append(a, b...) {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *BadgerStore) DeleteTrack(trackID string) error {
	var (
		rec    trackRecord
		hashes []uint32
	)
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		if rec, err = getTrack(txn, trackID); err != nil {
			return err
		}
		hashes, err = readAnchors(txn, keysKey(trackID))
		return err
	})
	if err != nil {
		return err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, h := range hashes {
		if err := wb.Delete(postingKey(h, trackID)); err != nil {
			return err
		}
	}
	for _, k := range [][]byte{keysKey(trackID), nameKey(rec.Track.Title, rec.Track.Artist), trackKey(trackID)} {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *BadgerStore) GetTrack(trackID string) (*models.Track, error) {
	var rec trackRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getTrack(txn, trackID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &rec.Track, nil
}

func (b *BadgerStore) ListTracks() ([]models.Track, error) {
	var tracks []models.Track
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = prefixTrack
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek(prefixTrack); it.ValidForPrefix(prefixTrack); it.Next() {
			var rec trackRecord
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("%w: %q: %v", models.ErrMalformedResponse, it.Item().Key(), err)
			}
			tracks = append(tracks, rec.Track)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].Artist != tracks[j].Artist {
			return tracks[i].Artist < tracks[j].Artist
		}
		return tracks[i].Title < tracks[j].Title
	})
	return tracks, nil
}

func (b *BadgerStore) FingerprintCount(trackID string) (int, error) {
	var rec trackRecord
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getTrack(txn, trackID)
		return err
	})
	return rec.CodeCount, err
}

// badgerLogger routes badger output through the store logger, demoting its
// chatty info messages to debug.
type badgerLogger struct{ log Logger }

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Errorf("[badger] "+f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warnf("[badger] "+f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debugf("[badger] "+f, v...) }
func (l badgerLogger) Debugf(string, ...interface{})       {}
