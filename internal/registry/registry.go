// SPDX-FileCopyrightText: (C) 2025 Particle Tools
// SPDX-License-Identifier: Apache 2.0

// Package registry persists the fleet's device inventory: which identities
// exist, where their key files live, and their claim state against the cloud.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Device is one row of the inventory.
type Device struct {
	ID            uint       `gorm:"primarykey" json:"-"`
	DeviceID      string     `gorm:"uniqueIndex;size:24" json:"device_id"`
	KeyPath       string     `json:"key_path"`
	Claimed       bool       `json:"claimed"`
	LastConnectAt *time.Time `json:"last_connect_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Store wraps the gorm handle.
type Store struct {
	db *gorm.DB
}

// ErrNotFound is returned when a device id is not in the inventory.
var ErrNotFound = errors.New("registry: device not found")

// Open connects to the configured database and migrates the schema. dbType
// must be "sqlite" or "postgres".
func Open(dbType, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("registry: dsn is required")
	}
	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("registry: unsupported database type: %s (must be 'sqlite' or 'postgres')", dbType)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}
	if err := db.AutoMigrate(&Device{}); err != nil {
		return nil, fmt.Errorf("registry: migrating schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert records a device and its key file, keeping claim state on conflict.
func (s *Store) Upsert(deviceID, keyPath string) error {
	var existing Device
	err := s.db.Where("device_id = ?", deviceID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.Create(&Device{DeviceID: deviceID, KeyPath: keyPath}).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&existing).Update("key_path", keyPath).Error
}

// MarkClaimed flags a device as claimed against the cloud.
func (s *Store) MarkClaimed(deviceID string) error {
	return s.update(deviceID, map[string]interface{}{"claimed": true})
}

// TouchConnected stamps the device's last successful connect.
func (s *Store) TouchConnected(deviceID string) error {
	now := time.Now()
	return s.update(deviceID, map[string]interface{}{"last_connect_at": &now})
}

func (s *Store) update(deviceID string, fields map[string]interface{}) error {
	res := s.db.Model(&Device{}).Where("device_id = ?", deviceID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one device row.
func (s *Store) Get(deviceID string) (*Device, error) {
	var dev Device
	err := s.db.Where("device_id = ?", deviceID).First(&dev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

// List returns the whole inventory, oldest first.
func (s *Store) List() ([]Device, error) {
	var devices []Device
	if err := s.db.Order("id").Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// Count returns the inventory size.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.Model(&Device{}).Count(&n).Error
	return n, err
}
