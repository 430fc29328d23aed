package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Run is one training session of a model.
type Run struct {
	ID           string `gorm:"primaryKey"`
	CreatedAt    time.Time
	Objective    string
	Assets       int
	Window       int
	LearningRate float64
	Checkpoint   string
	Epochs       []Epoch `gorm:"constraint:OnDelete:CASCADE"`
}

// Epoch holds the statistics observed at one training step of a run.
type Epoch struct {
	ID           uint   `gorm:"primaryKey"`
	RunID        string `gorm:"index"`
	Epoch        int
	CreatedAt    time.Time
	Objective    float64
	CumLogReward float64
	Sharpe       float64
	Sortino      float64
	Temperature  float64
	KeepProb     float64
}

type Journal struct {
	db *gorm.DB
}

// Open opens the sqlite journal at path, creating the file and its tables
// when needed.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Run{}, &Epoch{}); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StartRun stores run under a fresh id and returns it.
func (j *Journal) StartRun(run Run) (*Run, error) {
	run.ID = uuid.New().String()
	run.Epochs = nil
	if err := j.db.Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (j *Journal) Record(runID string, epoch Epoch) error {
	epoch.ID = 0
	epoch.RunID = runID
	return j.db.Create(&epoch).Error
}

// SetCheckpoint remembers where the parameters of a run were last saved.
func (j *Journal) SetCheckpoint(runID, dir string) error {
	return j.db.Model(&Run{}).Where("id = ?", runID).Update("checkpoint", dir).Error
}

// Runs lists the most recent runs first; limit <= 0 lists them all.
func (j *Journal) Runs(limit int) ([]Run, error) {
	var runs []Run
	query := j.db.Order("created_at desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// Run loads a run with its epochs in order. The id may be abbreviated to a
// unique prefix.
func (j *Journal) Run(id string) (*Run, error) {
	var runs []Run
	err := j.db.Where("id LIKE ?", id+"%").
		Preload("Epochs", func(db *gorm.DB) *gorm.DB { return db.Order("epoch") }).
		Limit(2).Find(&runs).Error
	if err != nil {
		return nil, err
	}
	switch len(runs) {
	case 0:
		return nil, fmt.Errorf("run %s: %w", id, gorm.ErrRecordNotFound)
	case 1:
		return &runs[0], nil
	}
	return nil, fmt.Errorf("run id %s is ambiguous", id)
}
