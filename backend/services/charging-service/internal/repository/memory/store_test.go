package memory

import (
	"testing"

	"evpay/backend/services/charging-service/internal/repository/repotest"
)

func TestStoreContract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repotest.Backend {
		s := New()
		return repotest.Backend{Store: s, Seeder: s}
	})
}
