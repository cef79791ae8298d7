package xid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"stockpos/internal/domain"
)

func New(prefix string) string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + id.String()
}

// DocNo formats a human-readable document number: PO-20260118-0427 for intake,
// INV-20260118-5531 for a sale.
func DocNo(kind domain.MovementType, at time.Time) string {
	prefix := "INV"
	if kind == domain.MovementIn {
		prefix = "PO"
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, at.Format("20060102"), randomSuffix())
}

func randomSuffix() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return time.Now().UnixNano() % 10000
	}
	return n.Int64()
}
