package extract

import (
	"time"

	"github.com/plk-sync/hissync/pkg/config"
)

func configForTest() config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:         config.DriverMySQL,
		Host:           "db.local",
		Port:           3307,
		User:           "sync",
		Password:       "s3cret",
		Name:           "his",
		Charset:        "utf8mb4",
		ConnectTimeout: 5 * time.Second,
	}
}
