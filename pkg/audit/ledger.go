package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/markus-lassfolk/uomping/pkg/logx"
)

const executedBucket = "executed_actions"

// ExecutionRecord is the audit entry written once an action has run
type ExecutionRecord struct {
	Guid              string    `json:"guid"`
	Index             int       `json:"index"`
	Url               string    `json:"url"`
	Offset            float64   `json:"offset_s"`
	ExecutedAt        time.Time `json:"executed_at"`
	SelectedInterface string    `json:"selected_interface,omitempty"` // empty on a selection miss
	BaselineInterface string    `json:"baseline_interface"`
	Fetches           int       `json:"fetches"`
	Failures          int       `json:"failures"`
}

// Ledger persists which actions of a run have been executed so that a
// restarted daemon with the same guid does not repeat them
type Ledger struct {
	db     *bolt.DB
	logger *logx.Logger
}

// Open opens or creates the ledger file at path
func Open(path string, logger *logx.Logger) (*Ledger, error) {
	if logger == nil {
		logger = &logx.Logger{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(executedBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger bucket: %w", err)
	}

	logger.Info("Action ledger opened", "path", path)
	return &Ledger{db: db, logger: logger}, nil
}

func key(guid string, index int) []byte {
	return []byte(guid + "/" + strconv.Itoa(index))
}

// IsExecuted reports whether action index of run guid has been recorded
func (l *Ledger) IsExecuted(guid string, index int) (bool, error) {
	var found bool
	err := l.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(executedBucket)).Get(key(guid, index)) != nil
		return nil
	})
	return found, err
}

// MarkExecuted stores rec. Recording the same action twice overwrites it.
func (l *Ledger) MarkExecuted(rec ExecutionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution record: %w", err)
	}
	err = l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(executedBucket)).Put(key(rec.Guid, rec.Index), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store execution record: %w", err)
	}
	l.logger.Debug("Action recorded in ledger", "guid", rec.Guid, "index", rec.Index)
	return nil
}

// Records returns every execution record of run guid ordered by index
func (l *Ledger) Records(guid string) ([]ExecutionRecord, error) {
	var out []ExecutionRecord
	prefix := []byte(guid + "/")
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(executedBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				l.logger.Warn("Skipping corrupt ledger entry", "key", string(k), "error", err)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// keys sort lexically ("10" before "2")
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}
