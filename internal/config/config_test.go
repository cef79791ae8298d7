package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")

	cfg := Load()
	assert.Empty(t, cfg.AuthSecret, "AUTH_SECRET must stay empty when unset")
}

func TestLoadPicksDriverFromConnectionStrings(t *testing.T) {
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("MONGO_URI", "mongodb://localhost:27017")

	assert.Equal(t, DriverMongo, Load().StoreDriver)

	t.Setenv("DATABASE_URL", "postgres://localhost/stockpos")
	assert.Equal(t, DriverPostgres, Load().StoreDriver)

	t.Setenv("STORE_DRIVER", "Memory")
	assert.Equal(t, DriverMemory, Load().StoreDriver)
}

func TestLoadDurationsFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "0")
	t.Setenv("SCAN_DEBOUNCE_MS", "1500")
	t.Setenv("RECEIPT_TTL_MINUTES", "-4")
	t.Setenv("PORT", "")

	cfg := Load()
	assert.Equal(t, 480*time.Minute, cfg.AccessTokenTTL())
	assert.Equal(t, 1500*time.Millisecond, cfg.ScanDebounce())
	assert.Equal(t, time.Hour, cfg.ReceiptTTL())
	assert.Equal(t, ":8080", Load().Address())
}
