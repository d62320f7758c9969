package db

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"liyu1981.xyz/smartplant-service/pkg/common"
	_ "liyu1981.xyz/smartplant-service/pkg/testing"
)

func tableExists(db *gorm.DB, tableName string) bool {
	var count int64
	err := db.Raw(
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, tableName,
	).Scan(&count).Error
	return err == nil && count > 0
}

func TestWithMemorySqlite(t *testing.T) {
	common.SetTestLoggerNop()

	instance := GetInstance(UseMemorySqliteDialector())
	require.NotNil(t, instance)

	tables := []string{"owner_profiles", "sensors", "telemetry_readings", "alerts", "plant_images", "irrigation_events"}
	for _, table := range tables {
		assert.True(t, tableExists(instance.Conn, table), "expected table %q to exist after migration", table)
	}
}

func TestPlantImageResultColumns(t *testing.T) {
	common.SetTestLoggerNop()

	instance := GetInstance(UseMemorySqliteDialector())
	for _, column := range []string{"result_disease", "result_confidence", "result_recommendations", "result_healthy"} {
		assert.True(t, instance.Conn.Migrator().HasColumn("plant_images", column), column)
	}
}

func TestSingletonConcurrency(t *testing.T) {
	common.SetTestLoggerNop()

	const goroutineCount = 20

	var wg sync.WaitGroup
	instances := make(chan *DB, goroutineCount)

	for range goroutineCount {
		wg.Add(1)
		go func() {
			defer wg.Done()
			instances <- GetInstance(UseMemorySqliteDialector())
		}()
	}

	wg.Wait()
	close(instances)

	var first *DB
	for inst := range instances {
		if first == nil {
			first = inst
			continue
		}
		assert.Same(t, first, inst)
	}
}

func TestUseDialectorFromConfig(t *testing.T) {
	assert.Equal(t, "sqlite", UseDialectorFromConfig(&common.Config{DBType: "memory"}).Name())
	assert.Equal(t, "sqlite", UseDialectorFromConfig(&common.Config{DBType: "file", DBPath: "x.db"}).Name())
	assert.Equal(t, "postgres", UseDialectorFromConfig(&common.Config{DBType: "postgres", DBDSN: "host=localhost"}).Name())
}
