package replica

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Bolt bucket names for log entries and committed orders.
const (
	dbBucketLog    = "Log"
	dbBucketOrders = "Orders"
)

type boltStore struct {
	db     *bolt.DB
	path   string
	logger *zap.SugaredLogger
}

// serialisedKey returns the []byte key for a log or order id. We want the byte slice to provide ordering of the
// records (so we can use cursors to iterate in id order), hence big endian fixed width rather than varint.
func serialisedKey(id int64) []byte {
	var key bytes.Buffer
	binary.Write(&key, binary.BigEndian, id)
	return key.Bytes()
}

func idFromSerialisedKey(b []byte) (int64, error) {
	var id int64
	buf := bytes.NewBuffer(b)
	err := binary.Read(buf, binary.BigEndian, &id)
	return id, err
}

func openBoltStore(path string, logger *zap.SugaredLogger) (*boltStore, error) {

	if path == "" {
		return nil, replicaErrorf(ReplicaErrorMissingConfig, "bolt storage requires a file path")
	}

	opts := *bolt.DefaultOptions
	// Time to block trying to achieve flock on DB. We do not expect contention here, so we provide an arbitrary
	// small amount of time to avoid blocking indefinitely if a lock is held on the DB (like when we try and run
	// multiple instances of the same replica).
	opts.Timeout = time.Second * 3

	s := &boltStore{path: path, logger: logger}
	logger.Debugw("opening bolt DB for persistence", s.logKV()...)

	db, err := bolt.Open(path, 0666, &opts)
	if err != nil {
		err = replicaErrorf(ReplicaErrorStorage,
			"open bbolt DB failed (is another process using the DB?) [%v]", err)
		logger.Errorw("initialising DB", append(s.logKV(), replicaErrKeyword, err)...)
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{dbBucketLog, dbBucketOrders} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		err = replicaErrorf(ReplicaErrorStorage, "creating bbolt DB buckets failed [%v]", err)
		logger.Errorw("creating buckets", append(s.logKV(), replicaErrKeyword, err)...)
		return nil, err
	}

	s.db = db
	return s, nil
}

func (s *boltStore) logKV() []interface{} {
	return []interface{}{"obj", "boltStore", "path", s.path}
}

// failed wraps and logs an error returned beneath us. Sentinel errors raised inside transactions are passed
// through as they are.
func (s *boltStore) failed(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(interface{ Cause() error }); ok {
		return err
	}
	err = replicaErrorf(ReplicaErrorStorage, "%s failed [%v]", op, err)
	s.logger.Errorw(op, append(s.logKV(), replicaErrKeyword, err)...)
	return err
}

func (s *boltStore) AppendEntry(le *LogEntry) error {

	val, err := json.Marshal(le)
	if err != nil {
		return s.failed(err, "serialise log entry")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(dbBucketLog))
		key := serialisedKey(le.LogID)
		if bucket.Get(key) != nil {
			return replicaErrorf(ReplicaErrorDuplicate, "log entry %d present already", le.LogID)
		}
		return bucket.Put(key, val)
	})

	return s.failed(err, "append log entry")
}

func (s *boltStore) UpdateEntryStatus(logID, term int64, status EntryStatus, orderID int64) error {

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(dbBucketLog))
		key := serialisedKey(logID)
		data := bucket.Get(key)
		if data == nil {
			return replicaErrorf(ReplicaErrorUnknownEntry, "log entry %d not found", logID)
		}

		var le LogEntry
		if err := json.Unmarshal(data, &le); err != nil {
			return err
		}

		changed, err := checkStatusTransition(&le, term, status, orderID)
		if err != nil || !changed {
			return err
		}

		le.Status = status
		if status == Committed {
			le.OrderID = orderID
		}
		val, err := json.Marshal(&le)
		if err != nil {
			return err
		}
		return bucket.Put(key, val)
	})

	return s.failed(err, "update log entry status")
}

func (s *boltStore) Entry(logID int64) (*LogEntry, error) {

	var le *LogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(dbBucketLog)).Get(serialisedKey(logID))
		if data == nil {
			return nil
		}
		le = &LogEntry{}
		return json.Unmarshal(data, le)
	})

	return le, s.failed(err, "fetch log entry")
}

func (s *boltStore) EntriesAfter(logID int64) ([]*LogEntry, error) {

	results := []*LogEntry{}

	err := s.db.View(func(tx *bolt.Tx) error {
		iterator := tx.Bucket([]byte(dbBucketLog)).Cursor()
		for k, v := iterator.Seek(serialisedKey(logID + 1)); k != nil; k, v = iterator.Next() {
			le := &LogEntry{}
			if err := json.Unmarshal(v, le); err != nil {
				return err
			}
			results = append(results, le)
		}
		return nil
	})

	return results, s.failed(err, "fetch log entries")
}

func (s *boltStore) LastEntry() (*LogEntry, error) {

	var le *LogEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket([]byte(dbBucketLog)).Cursor().Last()
		if v == nil {
			return nil
		}
		le = &LogEntry{}
		return json.Unmarshal(v, le)
	})

	return le, s.failed(err, "fetch last log entry")
}

func (s *boltStore) AppendOrder(o Order) error {

	val, err := json.Marshal(&o)
	if err != nil {
		return s.failed(err, "serialise order")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(dbBucketOrders))
		key := serialisedKey(o.OrderID)
		if bucket.Get(key) != nil {
			return replicaErrorf(ReplicaErrorDuplicate, "order %d present already", o.OrderID)
		}
		return bucket.Put(key, val)
	})

	return s.failed(err, "append order")
}

func (s *boltStore) Order(orderID int64) (*Order, error) {

	var o *Order

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(dbBucketOrders)).Get(serialisedKey(orderID))
		if data == nil {
			return nil
		}
		o = &Order{}
		return json.Unmarshal(data, o)
	})

	return o, s.failed(err, "fetch order")
}

func (s *boltStore) OrdersAfter(orderID int64) ([]Order, error) {

	results := []Order{}

	err := s.db.View(func(tx *bolt.Tx) error {
		iterator := tx.Bucket([]byte(dbBucketOrders)).Cursor()
		for k, v := iterator.Seek(serialisedKey(orderID + 1)); k != nil; k, v = iterator.Next() {
			var o Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			results = append(results, o)
		}
		return nil
	})

	return results, s.failed(err, "fetch orders")
}

func (s *boltStore) MaxOrderID() (int64, error) {

	var max int64

	err := s.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket([]byte(dbBucketOrders)).Cursor().Last()
		if k == nil {
			return nil
		}
		var err error
		max, err = idFromSerialisedKey(k)
		return err
	})

	return max, s.failed(err, "fetch max order id")
}

func (s *boltStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	if err != nil {
		err = replicaErrorf(ReplicaErrorStorage, "bbolt DB close complained [%v]", err)
		s.logger.Errorw("closing DB", append(s.logKV(), replicaErrKeyword, err)...)
	}
	return err
}
