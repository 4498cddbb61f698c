package history

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// UserRecord marks a known user, including those with no turns yet.
type UserRecord struct {
	UserID string `gorm:"primaryKey"`
}

// TurnRecord is one persisted Turn.
type TurnRecord struct {
	UserID    string `gorm:"primaryKey"`
	Seq       int    `gorm:"primaryKey;autoIncrement:false"`
	Role      string `gorm:"not null"`
	PartsJSON string `gorm:"type:text;not null"`
}

// Gorm persists the snapshot through any gorm dialector. Postgres is the
// production target.
type Gorm struct {
	db *gorm.DB
}

// NewPostgres connects to the database named by dsn.
func NewPostgres(dsn string) (*Gorm, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	return NewGorm(postgres.Open(dsn))
}

// NewGorm opens dialector and migrates the history tables.
func NewGorm(dialector gorm.Dialector) (*Gorm, error) {
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "connect history database")
	}
	if err := db.AutoMigrate(&UserRecord{}, &TurnRecord{}); err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, errors.Wrap(err, "migrate history schema")
	}
	return &Gorm{db: db}, nil
}

func (g *Gorm) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{}

	var users []UserRecord
	if err := g.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, errors.Wrap(err, "load users")
	}
	for _, u := range users {
		snap[u.UserID] = []Turn{}
	}

	var records []TurnRecord
	if err := g.db.WithContext(ctx).Order("user_id").Order("seq").Find(&records).Error; err != nil {
		return nil, errors.Wrap(err, "load turns")
	}
	for _, r := range records {
		t := Turn{Role: Role(r.Role)}
		if err := json.Unmarshal([]byte(r.PartsJSON), &t.Parts); err != nil {
			return nil, errors.Wrapf(err, "decode parts for %s", r.UserID)
		}
		snap[r.UserID] = append(snap[r.UserID], t)
	}
	return snap, nil
}

func (g *Gorm) Save(ctx context.Context, snap Snapshot) error {
	users := make([]UserRecord, 0, len(snap))
	var records []TurnRecord
	for id, turns := range snap {
		users = append(users, UserRecord{UserID: id})
		for seq, t := range turns {
			parts, err := json.Marshal(t.Parts)
			if err != nil {
				return errors.Wrap(err, "encode parts")
			}
			records = append(records, TurnRecord{UserID: id, Seq: seq, Role: string(t.Role), PartsJSON: string(parts)})
		}
	}

	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM turn_records").Error; err != nil {
			return errors.Wrap(err, "clear turns")
		}
		if err := tx.Exec("DELETE FROM user_records").Error; err != nil {
			return errors.Wrap(err, "clear users")
		}
		if len(users) > 0 {
			if err := tx.CreateInBatches(users, 500).Error; err != nil {
				return errors.Wrap(err, "insert users")
			}
		}
		if len(records) > 0 {
			if err := tx.CreateInBatches(records, 500).Error; err != nil {
				return errors.Wrap(err, "insert turns")
			}
		}
		return nil
	})
}

func (g *Gorm) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
