package statement

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	statementsBucket = "statements"
	expensesBucket   = "expenses" // one nested bucket per statement
	cardsBucket      = "cards"    // one nested bucket per user
	hashesBucket     = "hashes"   // one nested bucket per user: hash -> statement id
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Tx is the set of operations available inside a write transaction
type Tx interface {
	// GetStatement retrieves a statement by ID
	GetStatement(id string) (*Statement, error)

	// PutStatement saves a statement
	PutStatement(stmt *Statement) error

	// DeleteExpenses removes every expense of a statement and returns how many there were
	DeleteExpenses(statementID string) (int, error)

	// PutExpense appends an expense to its statement
	PutExpense(expense *Expense) error

	// ListCards returns all cards of a user
	ListCards(userID string) ([]*Card, error)

	// PutCard saves a card
	PutCard(card *Card) error
}

// DB defines the interface for database operations
type DB interface {
	// CreateStatement saves a new statement, failing with *DuplicateError when
	// the user already has a statement with the same content hash
	CreateStatement(stmt *Statement) error

	// GetStatement retrieves a statement by ID
	GetStatement(id string) (*Statement, error)

	// ListStatements returns a user's statements, newest first
	ListStatements(userID string) ([]*Statement, error)

	// ListExpenses returns the expenses of a statement in insertion order
	ListExpenses(statementID string) ([]*Expense, error)

	// ListCards returns all cards of a user
	ListCards(userID string) ([]*Card, error)

	// UpdateStatement applies fn to a statement and saves it in one transaction.
	// If fn returns an error nothing is written.
	UpdateStatement(id string, fn func(stmt *Statement) error) (*Statement, error)

	// DeleteStatement removes a statement, its expenses and its hash index entry
	DeleteStatement(id string) error

	// Update runs fn in a single write transaction
	Update(fn func(tx Tx) error) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{statementsBucket, expensesBucket, cardsBucket, hashesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateStatement saves a new statement and indexes its content hash
func (b *BoltDB) CreateStatement(stmt *Statement) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		hashes, err := tx.Bucket([]byte(hashesBucket)).CreateBucketIfNotExists([]byte(stmt.UserID))
		if err != nil {
			return fmt.Errorf("creating hash index: %w", err)
		}
		if existingID := hashes.Get([]byte(stmt.ContentHash)); existingID != nil {
			existing, err := getStatement(tx, string(existingID))
			if err != nil {
				return fmt.Errorf("loading duplicate statement: %w", err)
			}
			return &DuplicateError{ExistingID: existing.ID, ExistingFilename: existing.OriginalFilename}
		}
		if err := hashes.Put([]byte(stmt.ContentHash), []byte(stmt.ID)); err != nil {
			return err
		}
		return putStatement(tx, stmt)
	})
}

// GetStatement retrieves a statement by ID
func (b *BoltDB) GetStatement(id string) (*Statement, error) {
	var stmt *Statement
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		stmt, err = getStatement(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

// ListStatements returns a user's statements, newest first
func (b *BoltDB) ListStatements(userID string) ([]*Statement, error) {
	statements := make([]*Statement, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(statementsBucket)).ForEach(func(k, v []byte) error {
			var stmt Statement
			if err := json.Unmarshal(v, &stmt); err != nil {
				return fmt.Errorf("unmarshaling statement: %w", err)
			}
			if stmt.UserID == userID {
				statements = append(statements, &stmt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(statements, func(i, j int) bool {
		return statements[i].UploadedAt.After(statements[j].UploadedAt)
	})
	return statements, nil
}

// ListExpenses returns the expenses of a statement in insertion order
func (b *BoltDB) ListExpenses(statementID string) ([]*Expense, error) {
	expenses := make([]*Expense, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(expensesBucket)).Bucket([]byte(statementID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var expense Expense
			if err := json.Unmarshal(v, &expense); err != nil {
				return fmt.Errorf("unmarshaling expense: %w", err)
			}
			expenses = append(expenses, &expense)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return expenses, nil
}

// ListCards returns all cards of a user
func (b *BoltDB) ListCards(userID string) ([]*Card, error) {
	var cards []*Card
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		cards, err = listCards(tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return cards, nil
}

// UpdateStatement applies fn to a statement and saves it
func (b *BoltDB) UpdateStatement(id string, fn func(stmt *Statement) error) (*Statement, error) {
	var stmt *Statement
	err := b.db.Update(func(tx *bbolt.Tx) error {
		var err error
		stmt, err = getStatement(tx, id)
		if err != nil {
			return err
		}
		if err := fn(stmt); err != nil {
			return err
		}
		return putStatement(tx, stmt)
	})
	if err != nil {
		return nil, err
	}
	return stmt, nil
}

// DeleteStatement removes a statement, its expenses and its hash index entry
func (b *BoltDB) DeleteStatement(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		stmt, err := getStatement(tx, id)
		if err != nil {
			return err
		}
		if _, err := deleteExpenses(tx, id); err != nil {
			return err
		}
		if hashes := tx.Bucket([]byte(hashesBucket)).Bucket([]byte(stmt.UserID)); hashes != nil {
			if owner := hashes.Get([]byte(stmt.ContentHash)); string(owner) == id {
				if err := hashes.Delete([]byte(stmt.ContentHash)); err != nil {
					return fmt.Errorf("deleting hash index entry: %w", err)
				}
			}
		}
		return tx.Bucket([]byte(statementsBucket)).Delete([]byte(id))
	})
}

// Update runs fn in a single write transaction. Any error rolls back every write made by fn.
func (b *BoltDB) Update(fn func(tx Tx) error) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// boltTx implements Tx on top of a bbolt write transaction
type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) GetStatement(id string) (*Statement, error) {
	return getStatement(t.tx, id)
}

func (t *boltTx) PutStatement(stmt *Statement) error {
	return putStatement(t.tx, stmt)
}

func (t *boltTx) DeleteExpenses(statementID string) (int, error) {
	return deleteExpenses(t.tx, statementID)
}

func (t *boltTx) PutExpense(expense *Expense) error {
	bucket, err := t.tx.Bucket([]byte(expensesBucket)).CreateBucketIfNotExists([]byte(expense.StatementID))
	if err != nil {
		return fmt.Errorf("creating expense bucket: %w", err)
	}
	seq, err := bucket.NextSequence()
	if err != nil {
		return err
	}
	data, err := json.Marshal(expense)
	if err != nil {
		return fmt.Errorf("marshaling expense: %w", err)
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return bucket.Put(key, data)
}

func (t *boltTx) ListCards(userID string) ([]*Card, error) {
	return listCards(t.tx, userID)
}

func (t *boltTx) PutCard(card *Card) error {
	bucket, err := t.tx.Bucket([]byte(cardsBucket)).CreateBucketIfNotExists([]byte(card.UserID))
	if err != nil {
		return fmt.Errorf("creating card bucket: %w", err)
	}
	data, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshaling card: %w", err)
	}
	return bucket.Put([]byte(card.ID), data)
}

func getStatement(tx *bbolt.Tx, id string) (*Statement, error) {
	data := tx.Bucket([]byte(statementsBucket)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("statement %s: %w", id, ErrNotFound)
	}
	var stmt Statement
	if err := json.Unmarshal(data, &stmt); err != nil {
		return nil, fmt.Errorf("unmarshaling statement: %w", err)
	}
	return &stmt, nil
}

func putStatement(tx *bbolt.Tx, stmt *Statement) error {
	data, err := json.Marshal(stmt)
	if err != nil {
		return fmt.Errorf("marshaling statement: %w", err)
	}
	return tx.Bucket([]byte(statementsBucket)).Put([]byte(stmt.ID), data)
}

func deleteExpenses(tx *bbolt.Tx, statementID string) (int, error) {
	parent := tx.Bucket([]byte(expensesBucket))
	bucket := parent.Bucket([]byte(statementID))
	if bucket == nil {
		return 0, nil
	}
	n := 0
	c := bucket.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	if err := parent.DeleteBucket([]byte(statementID)); err != nil {
		return 0, fmt.Errorf("deleting expenses: %w", err)
	}
	return n, nil
}

func listCards(tx *bbolt.Tx, userID string) ([]*Card, error) {
	cards := make([]*Card, 0)
	bucket := tx.Bucket([]byte(cardsBucket)).Bucket([]byte(userID))
	if bucket == nil {
		return cards, nil
	}
	err := bucket.ForEach(func(k, v []byte) error {
		var card Card
		if err := json.Unmarshal(v, &card); err != nil {
			return fmt.Errorf("unmarshaling card: %w", err)
		}
		cards = append(cards, &card)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cards, func(i, j int) bool {
		return cards[i].CreatedAt.Before(cards[j].CreatedAt)
	})
	return cards, nil
}
