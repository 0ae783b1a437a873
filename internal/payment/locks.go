package payment

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const lockStripes = 64

// stripedLocks сериализует операции над одной заявкой, не создавая
// по мьютексу на каждую: заявки раскладываются по полосам хэшем id.
// Коллизия полос безопасна - лишь немного лишней сериализации.
type stripedLocks struct {
	stripes [lockStripes]sync.Mutex
}

func (s *stripedLocks) forID(id uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(id[:])
	return &s.stripes[h.Sum32()%lockStripes]
}
