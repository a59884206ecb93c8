// Package recovery реализует файловый протокол восстановления неотправленных
// сообщений: запись пары файлов (.msg с телом и .meta с метаданными) при сбое
// публикации, сканирование каталога с проверкой целостности пар и повторную
// отправку найденных сообщений.
//
// Каталог с неотправленными сообщениями рассчитан на одного писателя:
// одновременные проходы повторной отправки по одному каталогу должны
// исключаться внешне (см. LockDir).
package recovery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// ContentExt — расширение файла с телом сообщения.
	ContentExt = ".msg"
	// MetaExt — расширение файла с метаданными.
	MetaExt = ".meta"

	// noCorrelationID подставляется в имя файла, если идентификатор корреляции не задан.
	noCorrelationID = "none"
	// maxCorrelationIDLen ограничивает длину идентификатора корреляции в имени файла.
	maxCorrelationIDLen = 128

	fileTimestampLayout = "20060102T150405.000000000Z"

	lockFileName = ".retry.lock"
)

// Failure описывает сообщение, которое не удалось опубликовать.
type Failure struct {
	Payload       []byte // Тело сообщения
	Queue         string // Очередь назначения
	CorrelationID string // Идентификатор корреляции (может быть пустым)
	Index         int    // Позиция сообщения в исходном пакете
	Err           error  // Причина сбоя
}

// Record — содержимое файла метаданных (.meta).
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	Queue         string    `json:"queue"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Index         int       `json:"index"`
	Error         string    `json:"error"`
	ContentFile   string    `json:"contentFile"`
}

// timestampLayouts — допустимые форматы ISO-8601 для поля timestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// UnmarshalJSON разбирает метаданные. Неразборчивая метка времени не делает
// запись некорректной: она остается нулевой и используется только для порядка.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	var raw struct {
		plain
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Record(raw.plain)
	r.Timestamp = time.Time{}

	var ts string
	if len(raw.Timestamp) == 0 || json.Unmarshal(raw.Timestamp, &ts) != nil {
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, ts); err == nil {
			r.Timestamp = t.UTC()
			break
		}
	}
	return nil
}

// BaseName возвращает общее имя пары файлов без расширения:
// {timestamp}_{correlationId}_{index}.
func BaseName(ts time.Time, correlationID string, index int) string {
	return fmt.Sprintf("%s_%s_%d", ts.UTC().Format(fileTimestampLayout), SafeName(correlationID), index)
}

// MetaName возвращает имя файла метаданных, парного файлу содержимого.
func MetaName(contentFile string) string {
	return strings.TrimSuffix(contentFile, ContentExt) + MetaExt
}

// SafeName делает идентификатор корреляции безопасным для имени файла:
// недопустимые символы заменяются на "-", длина ограничивается, а пустой
// идентификатор записывается как "none".
func SafeName(id string) string {
	if id == "" {
		return noCorrelationID
	}
	var b strings.Builder
	for _, r := range id {
		if b.Len() >= maxCorrelationIDLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
