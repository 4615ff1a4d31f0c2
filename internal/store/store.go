package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the durable append-only log of decoded events backed by sqlite.
//
// All mutations go through a store-wide mutex so there is exactly one logical
// writer; decode work is expected to happen before the lock is taken. The
// connection pool is pinned to a single connection, which also keeps
// in-memory databases usable for tests.
type Store struct {
	db *sql.DB

	mu          sync.Mutex
	cursorBlock int64
	cursorTS    *uint64
}

// EventRecord is one decoded log ready for persistence. Addresses and hashes
// are lower-case 0x-prefixed hex; DecodedArgs is the lossless JSON encoding
// produced by the decoder.
type EventRecord struct {
	BlockNumber     uint64
	BlockTimestamp  *uint64
	TxHash          string
	TxIndex         uint
	LogIndex        uint
	ContractAddress string
	EventName       string
	EventSignature  *string
	RawData         *string
	DecodedArgs     string
}

// IndexedArg is one indexed ABI input of an event, stringified for the
// secondary lookup table.
type IndexedArg struct {
	Name  string
	Value string
}

// BatchItem pairs an event with its indexed-argument rows for atomic batch
// insertion.
type BatchItem struct {
	Event   EventRecord
	Indexed []IndexedArg
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    block_number INTEGER NOT NULL,
    block_timestamp INTEGER,
    transaction_hash TEXT NOT NULL,
    transaction_index INTEGER,
    log_index INTEGER NOT NULL,
    contract_address TEXT NOT NULL,
    event_name TEXT NOT NULL,
    event_signature TEXT,
    raw_data TEXT,
    decoded_args TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(transaction_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_events_block ON events(block_number);
CREATE INDEX IF NOT EXISTS idx_events_contract ON events(contract_address);
CREATE INDEX IF NOT EXISTS idx_events_name ON events(event_name);
CREATE INDEX IF NOT EXISTS idx_events_contract_block ON events(contract_address, block_number);
CREATE TABLE IF NOT EXISTS sync_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_processed_block INTEGER NOT NULL,
    last_processed_timestamp INTEGER,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS contracts (
    address TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    abi_hash TEXT,
    deployed_block INTEGER
);
CREATE TABLE IF NOT EXISTS event_indexed_args (
    transaction_hash TEXT NOT NULL,
    log_index INTEGER NOT NULL,
    arg_name TEXT NOT NULL,
    arg_value TEXT,
    contract_address TEXT,
    event_name TEXT,
    block_number INTEGER,
    PRIMARY KEY (transaction_hash, log_index, arg_name)
);
CREATE INDEX IF NOT EXISTS idx_event_indexed_args_name_value ON event_indexed_args(arg_name, arg_value);
CREATE INDEX IF NOT EXISTS idx_event_indexed_args_contract ON event_indexed_args(contract_address);
`

const insertEventSQL = `
INSERT OR IGNORE INTO events (
    block_number, block_timestamp, transaction_hash, transaction_index,
    log_index, contract_address, event_name, event_signature, raw_data, decoded_args
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertIndexedSQL = `
INSERT OR IGNORE INTO event_indexed_args (
    transaction_hash, log_index, arg_name, arg_value,
    contract_address, event_name, block_number
) VALUES (?, ?, ?, ?, ?, ?, ?)`

// Open opens (creating if necessary) the sqlite store at path and ensures the
// schema exists. When the sync cursor is uninitialized it is seeded to
// startBlock-1 (floored at 0) so the first catch-up begins at startBlock.
func Open(path string, startBlock uint64) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.loadOrSeedCursor(startBlock); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOrSeedCursor(startBlock uint64) error {
	row := s.db.QueryRow("SELECT last_processed_block, last_processed_timestamp FROM sync_state WHERE id = 1")
	var block int64
	var ts sql.NullInt64
	err := row.Scan(&block, &ts)
	switch {
	case err == sql.ErrNoRows:
		initial := int64(0)
		if startBlock > 0 {
			initial = int64(startBlock) - 1
		}
		if _, err := s.db.Exec(
			"INSERT INTO sync_state (id, last_processed_block, last_processed_timestamp) VALUES (1, ?, NULL)",
			initial,
		); err != nil {
			return fmt.Errorf("seed sync cursor: %w", err)
		}
		s.cursorBlock = initial
	case err != nil:
		return fmt.Errorf("read sync cursor: %w", err)
	default:
		s.cursorBlock = block
		if ts.Valid {
			v := uint64(ts.Int64)
			s.cursorTS = &v
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEvent persists a single event. It is idempotent on
// (transaction_hash, log_index); the return value reports whether a new row
// was actually written.
func (s *Store) InsertEvent(rec EventRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(insertEventSQL, eventArgs(rec)...)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// InsertIndexedArgs persists the indexed-argument rows of an event,
// idempotent on (transaction_hash, log_index, arg_name).
func (s *Store) InsertIndexedArgs(rec EventRecord, indexed []IndexedArg) error {
	if len(indexed) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, arg := range indexed {
		if _, err := s.db.Exec(insertIndexedSQL, indexedArgs(rec, arg)...); err != nil {
			return fmt.Errorf("insert indexed arg %s: %w", arg.Name, err)
		}
	}
	return nil
}

// InsertBatch writes a batch of events plus their indexed-argument rows in a
// single transaction. Either the whole batch commits or none of it does.
func (s *Store) InsertBatch(items []BatchItem) error {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, item := range items {
		if _, err := tx.Exec(insertEventSQL, eventArgs(item.Event)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("batch insert event: %w", err)
		}
		for _, arg := range item.Indexed {
			if _, err := tx.Exec(insertIndexedSQL, indexedArgs(item.Event, arg)...); err != nil {
				tx.Rollback()
				return fmt.Errorf("batch insert indexed arg: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// DeleteLog removes the event row and all indexed-argument rows for the given
// key. Used when the node revokes a log during a reorg.
func (s *Store) DeleteLog(txHash string, logIndex uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("DELETE FROM events WHERE transaction_hash = ? AND log_index = ?", txHash, logIndex); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM event_indexed_args WHERE transaction_hash = ? AND log_index = ?", txHash, logIndex); err != nil {
		return fmt.Errorf("delete indexed args: %w", err)
	}
	return nil
}

// UpdateSync advances the sync cursor. Calls with a block below the current
// cursor are no-ops, which keeps the cursor monotonic.
func (s *Store) UpdateSync(block uint64, ts *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(block) < s.cursorBlock {
		return nil
	}
	var tsVal interface{}
	if ts != nil {
		tsVal = int64(*ts)
	}
	if _, err := s.db.Exec(
		"UPDATE sync_state SET last_processed_block = ?, last_processed_timestamp = ?, updated_at = CURRENT_TIMESTAMP WHERE id = 1",
		int64(block), tsVal,
	); err != nil {
		return fmt.Errorf("update sync cursor: %w", err)
	}
	s.cursorBlock = int64(block)
	s.cursorTS = ts
	return nil
}

// Cursor returns the last processed block and, when known, its timestamp.
func (s *Store) Cursor() (int64, *uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursorBlock, s.cursorTS
}

// StoredEvent is an event row read back from the store.
type StoredEvent struct {
	BlockNumber     uint64
	BlockTimestamp  *uint64
	TxHash          string
	LogIndex        uint
	ContractAddress string
	EventName       string
	EventSignature  *string
	DecodedArgs     string
}

// EventsUpTo returns every event with block_number <= block ordered by
// (block_number ASC, log_index ASC). The ordering is a hard contract: state
// reconstruction folds over this sequence.
func (s *Store) EventsUpTo(block uint64) ([]StoredEvent, error) {
	rows, err := s.db.Query(`
        SELECT block_number, block_timestamp, transaction_hash, log_index,
               contract_address, event_name, event_signature, decoded_args
        FROM events
        WHERE block_number <= ?
        ORDER BY block_number ASC, log_index ASC`,
		int64(block),
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// QueryEvents lists persisted events newest-first, optionally filtered by
// contract address (lower-case) and event name.
func (s *Store) QueryEvents(contract, name string, limit int) ([]StoredEvent, error) {
	var clauses []string
	var params []interface{}
	if contract != "" {
		clauses = append(clauses, "contract_address = ?")
		params = append(params, strings.ToLower(contract))
	}
	if name != "" {
		clauses = append(clauses, "event_name = ?")
		params = append(params, name)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	params = append(params, limit)

	rows, err := s.db.Query(fmt.Sprintf(`
        SELECT block_number, block_timestamp, transaction_hash, log_index,
               contract_address, event_name, event_signature, decoded_args
        FROM events %s
        ORDER BY block_number DESC, log_index DESC LIMIT ?`, where),
		params...,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents reports the number of rows in the events table.
func (s *Store) CountEvents() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events").Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// CountIndexedArgs reports the number of rows in the event_indexed_args table.
func (s *Store) CountIndexedArgs() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM event_indexed_args").Scan(&n); err != nil {
		return 0, fmt.Errorf("count indexed args: %w", err)
	}
	return n, nil
}

// SaveContract upserts one catalog row keyed by lower-case address.
func (s *Store) SaveContract(address, name string, abiHash *string, deployedBlock *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var blockVal interface{}
	if deployedBlock != nil {
		blockVal = int64(*deployedBlock)
	}
	var hashVal interface{}
	if abiHash != nil {
		hashVal = *abiHash
	}
	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO contracts (address, name, abi_hash, deployed_block) VALUES (?, ?, ?, ?)",
		strings.ToLower(address), name, hashVal, blockVal,
	); err != nil {
		return fmt.Errorf("save contract: %w", err)
	}
	return nil
}

// ContractNames returns the catalog as lower-case address -> canonical name.
func (s *Store) ContractNames() (map[string]string, error) {
	rows, err := s.db.Query("SELECT address, name FROM contracts")
	if err != nil {
		return nil, fmt.Errorf("load contract names: %w", err)
	}
	defer rows.Close()
	names := make(map[string]string)
	for rows.Next() {
		var addr, name string
		if err := rows.Scan(&addr, &name); err != nil {
			return nil, err
		}
		names[strings.ToLower(addr)] = name
	}
	return names, rows.Err()
}

// ResolveContract maps a catalog name (case-insensitive) or a 0x address to
// the lower-case address used in event rows. The boolean reports whether the
// value resolved.
func (s *Store) ResolveContract(value string) (string, bool) {
	if value == "" {
		return "", false
	}
	var addr string
	err := s.db.QueryRow("SELECT address FROM contracts WHERE name = ? COLLATE NOCASE", value).Scan(&addr)
	if err == nil {
		return addr, true
	}
	if strings.HasPrefix(value, "0x") && len(value) == 42 {
		return strings.ToLower(value), true
	}
	return "", false
}

func eventArgs(rec EventRecord) []interface{} {
	var ts, sig, raw interface{}
	if rec.BlockTimestamp != nil {
		ts = int64(*rec.BlockTimestamp)
	}
	if rec.EventSignature != nil {
		sig = *rec.EventSignature
	}
	if rec.RawData != nil {
		raw = *rec.RawData
	}
	return []interface{}{
		int64(rec.BlockNumber), ts, rec.TxHash, rec.TxIndex,
		rec.LogIndex, rec.ContractAddress, rec.EventName, sig, raw, rec.DecodedArgs,
	}
}

func indexedArgs(rec EventRecord, arg IndexedArg) []interface{} {
	return []interface{}{
		rec.TxHash, rec.LogIndex, arg.Name, arg.Value,
		rec.ContractAddress, rec.EventName, int64(rec.BlockNumber),
	}
}

func scanEvents(rows *sql.Rows) ([]StoredEvent, error) {
	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var ts sql.NullInt64
		var sig sql.NullString
		if err := rows.Scan(
			&ev.BlockNumber, &ts, &ev.TxHash, &ev.LogIndex,
			&ev.ContractAddress, &ev.EventName, &sig, &ev.DecodedArgs,
		); err != nil {
			return nil, err
		}
		if ts.Valid {
			v := uint64(ts.Int64)
			ev.BlockTimestamp = &v
		}
		if sig.Valid {
			ev.EventSignature = &sig.String
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
