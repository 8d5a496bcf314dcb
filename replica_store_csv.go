package replica

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	csvOrdersFile = "orders.csv"
	csvLogFile    = "log.csv"
)

// csvStore keeps the ledger in an append only orders.csv (orderId,item,quantity), and the replication log in an
// append only log.csv (logId,term,payload,status,orderId) which is rewritten only to patch the status field of an
// entry. The files are loaded at open time and reads are served from memory. log is nil once a rewrite could not
// reopen the file; the store then refuses further log appends.
type csvStore struct {
	mu       sync.Mutex
	dir      string
	logger   *zap.SugaredLogger
	openFile func(name string, flag int, perm os.FileMode) (*os.File, error)
	orders   *os.File
	log      *os.File
	entries []*LogEntry
	byLogID map[int64]int
	byOrder map[int64]Order
	maxID   int64
}

func openCSVStore(dir string, logger *zap.SugaredLogger) (*csvStore, error) {

	if dir == "" {
		return nil, replicaErrorf(ReplicaErrorMissingConfig, "csv storage requires a directory")
	}

	s := &csvStore{
		dir:      dir,
		logger:   logger,
		openFile: os.OpenFile,
		byLogID:  map[int64]int{},
		byOrder:  map[int64]Order{},
	}

	err := os.MkdirAll(dir, 0755)
	if err == nil {
		err = s.load()
	}
	if err == nil {
		s.orders, err = os.OpenFile(s.path(csvOrdersFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	}
	if err == nil {
		s.log, err = os.OpenFile(s.path(csvLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	}
	if err != nil {
		s.Close()
		err = replicaErrorf(ReplicaErrorStorage, "open csv store failed [%v]", err)
		logger.Errorw("initialising csv store", append(s.logKV(), replicaErrKeyword, err)...)
		return nil, err
	}

	logger.Debugw("opened csv store", append(s.logKV(), "entries", len(s.entries), "orders", len(s.byOrder))...)
	return s, nil
}

func (s *csvStore) logKV() []interface{} {
	return []interface{}{"obj", "csvStore", "dir", s.dir}
}

func (s *csvStore) path(name string) string {
	return filepath.Join(s.dir, name)
}

func readRecords(path string, fields int) ([][]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = fields
	var records [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

func (s *csvStore) load() error {

	orders, err := readRecords(s.path(csvOrdersFile), 3)
	if err != nil {
		return err
	}
	for _, rec := range orders {
		o, err := orderFromRecord(rec)
		if err != nil {
			return err
		}
		s.byOrder[o.OrderID] = o
		if o.OrderID > s.maxID {
			s.maxID = o.OrderID
		}
	}

	entries, err := readRecords(s.path(csvLogFile), 5)
	if err != nil {
		return err
	}
	for _, rec := range entries {
		le, err := entryFromRecord(rec)
		if err != nil {
			return err
		}
		s.byLogID[le.LogID] = len(s.entries)
		s.entries = append(s.entries, le)
	}
	sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].LogID < s.entries[j].LogID })
	for i, le := range s.entries {
		s.byLogID[le.LogID] = i
	}

	return nil
}

func orderRecord(o Order) []string {
	return []string{strconv.FormatInt(o.OrderID, 10), o.Item, strconv.FormatInt(o.Quantity, 10)}
}

func orderFromRecord(rec []string) (Order, error) {
	id, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return Order{}, err
	}
	qty, err := strconv.ParseInt(rec[2], 10, 64)
	if err != nil {
		return Order{}, err
	}
	return Order{OrderID: id, Item: rec[1], Quantity: qty}, nil
}

func entryRecord(le *LogEntry) []string {
	return []string{
		strconv.FormatInt(le.LogID, 10),
		strconv.FormatInt(le.Term, 10),
		le.Payload.tsv(),
		string(le.Status),
		strconv.FormatInt(le.OrderID, 10),
	}
}

func entryFromRecord(rec []string) (*LogEntry, error) {
	logID, err := strconv.ParseInt(rec[0], 10, 64)
	if err != nil {
		return nil, err
	}
	term, err := strconv.ParseInt(rec[1], 10, 64)
	if err != nil {
		return nil, err
	}
	payload, err := orderDetailsFromTSV(rec[2])
	if err != nil {
		return nil, err
	}
	orderID, err := strconv.ParseInt(rec[4], 10, 64)
	if err != nil {
		return nil, err
	}
	return &LogEntry{LogID: logID, Term: term, Payload: payload, Status: EntryStatus(rec[3]), OrderID: orderID}, nil
}

func appendRecord(f *os.File, rec []string) error {
	w := csv.NewWriter(f)
	if err := w.Write(rec); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return f.Sync()
}

func (s *csvStore) failed(err error, op string) error {
	err = replicaErrorf(ReplicaErrorStorage, "%s failed [%v]", op, err)
	s.logger.Errorw(op, append(s.logKV(), replicaErrKeyword, err)...)
	return err
}

func (s *csvStore) AppendEntry(le *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byLogID[le.LogID]; ok {
		return replicaErrorf(ReplicaErrorDuplicate, "log entry %d present already", le.LogID)
	}
	if s.log == nil {
		return replicaErrorf(ReplicaErrorStorage, "log file unusable, not appending entry %d", le.LogID)
	}
	if err := appendRecord(s.log, entryRecord(le)); err != nil {
		return s.failed(err, "append log entry")
	}

	cp := *le
	s.entries = append(s.entries, &cp)
	// Entries normally arrive in sequence; keep the slice ordered if they do not.
	if n := len(s.entries); n > 1 && s.entries[n-2].LogID > cp.LogID {
		sort.Slice(s.entries, func(i, j int) bool { return s.entries[i].LogID < s.entries[j].LogID })
		for i, e := range s.entries {
			s.byLogID[e.LogID] = i
		}
	} else {
		s.byLogID[cp.LogID] = n - 1
	}
	return nil
}

// replaceLog replaces log.csv with entries. We write a temporary file and rename it over the log so a failure
// part way leaves the previous file intact.
func (s *csvStore) replaceLog(entries []*LogEntry) error {

	tmp := s.path(csvLogFile + ".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	for _, le := range entries {
		if err = w.Write(entryRecord(le)); err != nil {
			break
		}
	}
	w.Flush()
	err = multierr.Combine(err, w.Error(), f.Sync(), f.Close())
	if err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, s.path(csvLogFile))
}

// reopenLog swaps the append handle, which still refers to the replaced file, for one on the new log.
func (s *csvStore) reopenLog() error {
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			s.logger.Debugw("closing replaced log file", append(s.logKV(), replicaErrKeyword, err)...)
		}
		s.log = nil
	}
	f, err := s.openFile(s.path(csvLogFile), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	s.log = f
	return nil
}

func (s *csvStore) UpdateEntryStatus(logID, term int64, status EntryStatus, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byLogID[logID]
	if !ok {
		return replicaErrorf(ReplicaErrorUnknownEntry, "log entry %d not found", logID)
	}

	cur := s.entries[i]
	changed, err := checkStatusTransition(cur, term, status, orderID)
	if err != nil || !changed {
		return err
	}

	patched := *cur
	patched.Status = status
	if status == Committed {
		patched.OrderID = orderID
	}

	entries := make([]*LogEntry, len(s.entries))
	copy(entries, s.entries)
	entries[i] = &patched
	if err := s.replaceLog(entries); err != nil {
		return s.failed(err, "rewrite log entry status")
	}
	// The file on disk carries the patch from here on, whether or not the reopen works.
	s.entries = entries
	if err := s.reopenLog(); err != nil {
		return s.failed(err, "reopen log after status rewrite")
	}
	return nil
}

func (s *csvStore) Entry(logID int64) (*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byLogID[logID]
	if !ok {
		return nil, nil
	}
	cp := *s.entries[i]
	return &cp, nil
}

func (s *csvStore) EntriesAfter(logID int64) ([]*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := []*LogEntry{}
	start := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].LogID > logID })
	for _, le := range s.entries[start:] {
		cp := *le
		results = append(results, &cp)
	}
	return results, nil
}

func (s *csvStore) LastEntry() (*LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return nil, nil
	}
	cp := *s.entries[len(s.entries)-1]
	return &cp, nil
}

func (s *csvStore) AppendOrder(o Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOrder[o.OrderID]; ok {
		return replicaErrorf(ReplicaErrorDuplicate, "order %d present already", o.OrderID)
	}
	if err := appendRecord(s.orders, orderRecord(o)); err != nil {
		return s.failed(err, "append order")
	}
	s.byOrder[o.OrderID] = o
	if o.OrderID > s.maxID {
		s.maxID = o.OrderID
	}
	return nil
}

func (s *csvStore) Order(orderID int64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.byOrder[orderID]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *csvStore) OrdersAfter(orderID int64) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := []Order{}
	for id, o := range s.byOrder {
		if id > orderID {
			results = append(results, o)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].OrderID < results[j].OrderID })
	return results, nil
}

func (s *csvStore) MaxOrderID() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxID, nil
}

func (s *csvStore) Close() error {
	var err error
	if s.orders != nil {
		err = multierr.Append(err, s.orders.Close())
		s.orders = nil
	}
	if s.log != nil {
		err = multierr.Append(err, s.log.Close())
		s.log = nil
	}
	return err
}
