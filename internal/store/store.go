// Package store keeps a SQLite history of received datagrams and ranging
// results for the gateway.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// Datagram is one received datagram.
type Datagram struct {
	ID      uint      `gorm:"primarykey"`
	At      time.Time `gorm:"index;not null"`
	From    byte      `gorm:"column:from_node;index;not null"`
	To      byte      `gorm:"column:to_node;not null"`
	Seq     byte      `gorm:"not null"`
	Flags   byte      `gorm:"not null"`
	Payload []byte
	RSSI    float64
	SNR     float64
}

// Ranging is one completed ranging exchange. Address is the hex slave
// address.
type Ranging struct {
	ID       uint      `gorm:"primarykey"`
	At       time.Time `gorm:"index;not null"`
	Address  string    `gorm:"index;size:8;not null"`
	Raw      int32
	Meters   float64
	RSSI     float64
	Filtered bool
}

type Store struct {
	db  *gorm.DB
	log logrus.FieldLogger
}

// Open opens or creates the database at path with the pure Go SQLite
// driver. ":memory:" gives a private in-memory database.
func Open(path string, log logrus.FieldLogger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: path}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if err := prepare(db, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}
	log.WithField("path", path).Info("history store ready")
	return &Store{db: db, log: log}, nil
}

func prepare(db *gorm.DB, sqlDB *sql.DB) error {
	// one connection keeps ":memory:" a single database
	sqlDB.SetMaxOpenConns(1)
	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"} {
		if _, err := sqlDB.Exec(p); err != nil {
			return fmt.Errorf("store: %s: %w", p, err)
		}
	}
	if err := db.AutoMigrate(&Datagram{}, &Ranging{}); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) SaveDatagram(d *Datagram) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	if err := s.db.Create(d).Error; err != nil {
		return fmt.Errorf("store: save datagram: %w", err)
	}
	return nil
}

func (s *Store) SaveRanging(r *Ranging) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if err := s.db.Create(r).Error; err != nil {
		return fmt.Errorf("store: save ranging: %w", err)
	}
	return nil
}

// RecentDatagrams returns up to n datagrams from a node, newest first.
func (s *Store) RecentDatagrams(from byte, n int) ([]Datagram, error) {
	var out []Datagram
	err := s.db.Where("from_node = ?", from).Order("at DESC, id DESC").Limit(n).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: datagrams: %w", err)
	}
	return out, nil
}

// RecentRanging returns up to n results for a slave address, newest first.
func (s *Store) RecentRanging(addr string, n int) ([]Ranging, error) {
	var out []Ranging
	err := s.db.Where("address = ?", addr).Order("at DESC, id DESC").Limit(n).Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("store: ranging: %w", err)
	}
	return out, nil
}

// Prune deletes everything recorded before t and returns the number of
// rows removed.
func (s *Store) Prune(before time.Time) (int64, error) {
	var total int64
	for _, model := range []interface{}{&Datagram{}, &Ranging{}} {
		res := s.db.Where("at < ?", before).Delete(model)
		if res.Error != nil {
			return total, fmt.Errorf("store: prune: %w", res.Error)
		}
		total += res.RowsAffected
	}
	if total > 0 {
		s.log.WithField("rows", total).Debug("history pruned")
	}
	return total, nil
}
