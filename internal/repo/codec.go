package repo

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/shaiso/Cascade/internal/domain"
)

// encodeEntries сериализует журнал/ошибки для JSON-колонки.
func encodeEntries(entries []domain.Entry) ([]byte, error) {
	if entries == nil {
		entries = []domain.Entry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("marshal entries: %w", err)
	}
	return data, nil
}

// decodeEntries разбирает JSON-колонку; пустое значение — пустой список.
func decodeEntries(data []byte) ([]domain.Entry, error) {
	entries := []domain.Entry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("unmarshal entries: %w", err)
	}
	return entries, nil
}

type entryKey struct {
	message string
	at      int64
}

// mergeLogs дополняет журнал incoming строками stored, которых в нём нет.
// incoming прочитан раньше и дописан вызывающим, так что недостающие
// строки добавил кто-то другой за это время (RequestStop из другого
// процесса). Результат упорядочен по времени.
func mergeLogs(stored, incoming []domain.Entry) []domain.Entry {
	seen := make(map[entryKey]int, len(incoming))
	for _, e := range incoming {
		seen[entryKey{e.Message, e.Timestamp.UnixNano()}]++
	}

	var missing []domain.Entry
	for _, e := range stored {
		k := entryKey{e.Message, e.Timestamp.UnixNano()}
		if seen[k] > 0 {
			seen[k]--
			continue
		}
		missing = append(missing, e)
	}
	if len(missing) == 0 {
		return incoming
	}

	merged := append(slices.Clone(incoming), missing...)
	slices.SortStableFunc(merged, func(a, b domain.Entry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return merged
}
