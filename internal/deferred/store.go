package deferred

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"Spindle/internal/storage"
	"Spindle/internal/wire"
)

// Key prefixes.
var (
	prefixMessage   = []byte("dm:") // prefixMessage + message id -> record
	prefixHolder    = []byte("nd:") // prefixHolder + message id + node id -> empty
	prefixRecipient = []byte("ri:") // prefixRecipient + recipient + date + message id -> empty
)

// Store persists deferred messages, the nodes holding a copy of each of them,
// and a per-recipient index ordered by deferral date.
type Store struct {
	db  *storage.Storage
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore creates a store over db.
func NewStore(db *storage.Storage) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create encoder:\n%w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close releases the codecs. The underlying storage is left open.
func (s *Store) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// Put stores messages and marks holders as having a copy of each of them.
// Messages already stored only gain the holders.
func (s *Store) Put(msgs []wire.DeferredMessage, holders ...uuid.UUID) error {
	b := s.db.NewBatch()

	for _, m := range msgs {
		ok, err := s.db.Has(messageKey(m.ID))
		if err != nil {
			b.Discard()
			return fmt.Errorf("check message %s:\n%w", m.ID, err)
		}

		if !ok {
			body := s.enc.EncodeAll(m.Body, nil)
			b.Set(messageKey(m.ID), buildRecord(m.ID, m.Recipient, m.Date, body, len(m.Body)))
			b.Set(recipientKey(m.Recipient, m.Date, m.ID), nil)
		}

		for _, h := range holders {
			b.Set(holderKey(m.ID, h), nil)
		}
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("store messages:\n%w", err)
	}

	return nil
}

// AddHolder marks node as having a copy of ids.
func (s *Store) AddHolder(node uuid.UUID, ids ...uuid.UUID) error {
	b := s.db.NewBatch()
	for _, id := range ids {
		b.Set(holderKey(id, node), nil)
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("add holder:\n%w", err)
	}

	return nil
}

// Get loads a message. The second result is false if it is not stored.
func (s *Store) Get(id uuid.UUID) (wire.DeferredMessage, bool, error) {
	data, err := s.db.Get(messageKey(id))
	if err != nil {
		return wire.DeferredMessage{}, false, fmt.Errorf("load message %s:\n%w", id, err)
	}

	if data == nil {
		return wire.DeferredMessage{}, false, nil
	}

	m, err := s.decode(data)
	if err != nil {
		return wire.DeferredMessage{}, false, fmt.Errorf("decode message %s:\n%w", id, err)
	}

	return m, true, nil
}

// Queue returns the messages for recipient deferred at or after since, oldest first.
func (s *Store) Queue(recipient uuid.UUID, since time.Time) ([]wire.DeferredMessage, error) {
	entries, err := s.scanRecipient(recipient, since, time.Time{})
	if err != nil {
		return nil, err
	}

	var out []wire.DeferredMessage

	for _, e := range entries {
		m, ok, err := s.Get(e.id)
		if err != nil {
			return nil, err
		}

		if ok {
			out = append(out, m)
		}
	}

	return out, nil
}

// Expired returns the ids of messages for recipient deferred before cutoff.
func (s *Store) Expired(recipient uuid.UUID, cutoff time.Time) ([]uuid.UUID, error) {
	entries, err := s.scanRecipient(recipient, time.Time{}, cutoff)
	if err != nil {
		return nil, err
	}

	out := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		out[i] = e.id
	}

	return out, nil
}

// Count returns the number of messages queued for recipient.
func (s *Store) Count(recipient uuid.UUID) (int, error) {
	entries, err := s.scanRecipient(recipient, time.Time{}, time.Time{})
	return len(entries), err
}

// Holders returns the nodes known to hold a copy of id.
func (s *Store) Holders(id uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID

	err := s.db.IteratePrefix(holderPrefix(id), func(key, _ []byte) error {
		node, err := uuid.FromBytes(key[len(prefixHolder)+16:])
		if err != nil {
			return err
		}

		out = append(out, node)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan holders of %s:\n%w", id, err)
	}

	return out, nil
}

// Delete removes messages, their holders and their index entries.
func (s *Store) Delete(ids ...uuid.UUID) error {
	b := s.db.NewBatch()

	for _, id := range ids {
		m, ok, err := s.Get(id)
		if err != nil {
			b.Discard()
			return err
		}

		if !ok {
			continue
		}

		b.Delete(messageKey(id))
		b.Delete(recipientKey(m.Recipient, m.Date, id))

		holders, err := s.Holders(id)
		if err != nil {
			b.Discard()
			return err
		}

		for _, h := range holders {
			b.Delete(holderKey(id, h))
		}
	}

	if err := b.Commit(); err != nil {
		return fmt.Errorf("delete messages:\n%w", err)
	}

	return nil
}

// Recipients returns every recipient with at least one stored message.
func (s *Store) Recipients() ([]uuid.UUID, error) {
	var out []uuid.UUID

	err := s.db.IteratePrefix(prefixRecipient, func(key, _ []byte) error {
		r, err := uuid.FromBytes(key[len(prefixRecipient) : len(prefixRecipient)+16])
		if err != nil {
			return err
		}

		if len(out) == 0 || out[len(out)-1] != r {
			out = append(out, r)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan recipients:\n%w", err)
	}

	return out, nil
}

// indexEntry is a decoded recipient index key.
type indexEntry struct {
	date time.Time
	id   uuid.UUID
}

// scanRecipient lists index entries of recipient with from <= date < to.
// Zero bounds are open.
func (s *Store) scanRecipient(recipient uuid.UUID, from, to time.Time) ([]indexEntry, error) {
	prefix := recipientPrefix(recipient)

	lower := prefix
	if !from.IsZero() {
		lower = binary.BigEndian.AppendUint64(recipientPrefix(recipient), dateBits(from))
	}

	upper := storage.PrefixUpperBound(prefix)
	if !to.IsZero() {
		upper = binary.BigEndian.AppendUint64(recipientPrefix(recipient), dateBits(to))
	}

	var out []indexEntry

	err := s.db.IterateRange(lower, upper, func(key, _ []byte) error {
		rest := key[len(prefix):]

		id, err := uuid.FromBytes(rest[8:])
		if err != nil {
			return err
		}

		out = append(out, indexEntry{
			date: time.UnixMilli(int64(binary.BigEndian.Uint64(rest[:8]) ^ dateSign)),
			id:   id,
		})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan queue of %s:\n%w", recipient, err)
	}

	return out, nil
}

// decode turns a stored record back into a message.
func (s *Store) decode(data []byte) (wire.DeferredMessage, error) {
	r, err := readRecord(data)
	if err != nil {
		return wire.DeferredMessage{}, err
	}

	body, err := s.dec.DecodeAll(r.body(), make([]byte, 0, r.rawSize()))
	if err != nil {
		return wire.DeferredMessage{}, fmt.Errorf("decompress body:\n%w", err)
	}

	return wire.DeferredMessage{
		ID:        uuid.UUID(r.id()),
		Recipient: uuid.UUID(r.recipient()),
		Date:      r.date(),
		Body:      body,
	}, nil
}

func messageKey(id uuid.UUID) []byte {
	return append(append([]byte{}, prefixMessage...), id[:]...)
}

func holderPrefix(id uuid.UUID) []byte {
	return append(append([]byte{}, prefixHolder...), id[:]...)
}

func holderKey(id, node uuid.UUID) []byte {
	return append(holderPrefix(id), node[:]...)
}

func recipientPrefix(recipient uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixRecipient)+16+8+16)
	key = append(key, prefixRecipient...)
	return append(key, recipient[:]...)
}

func recipientKey(recipient uuid.UUID, date time.Time, id uuid.UUID) []byte {
	key := binary.BigEndian.AppendUint64(recipientPrefix(recipient), dateBits(date))
	return append(key, id[:]...)
}

// dateSign flips the sign bit so that dates before the epoch sort first.
const dateSign = 1 << 63

func dateBits(t time.Time) uint64 {
	return uint64(t.UnixMilli()) ^ dateSign
}
