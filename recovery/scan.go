package recovery

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Entry — проверенная пара файлов, готовая к повторной отправке.
type Entry struct {
	Record      Record
	MetaPath    string
	ContentPath string
}

// Scan перечисляет файлы метаданных каталога dir и сопоставляет их с файлами
// содержимого. Проблемы отдельных записей возвращаются в виде *RecordError
// и не прерывают сканирование; ошибка возвращается только если не удалось
// прочитать сам каталог.
//
// Записи упорядочены по метке времени из метаданных, затем по имени файла.
func Scan(dir string) ([]Entry, []error, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("не удалось прочитать каталог %s: %w", dir, err)
	}

	var (
		entries []Entry
		errs    []error
	)
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), MetaExt) {
			continue
		}
		metaPath := filepath.Join(dir, de.Name())
		entry, err := loadEntry(dir, metaPath)
		if err != nil {
			errs = append(errs, &RecordError{MetaPath: metaPath, Err: err})
			continue
		}
		entries = append(entries, entry)
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := a.Record.Timestamp.Compare(b.Record.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.MetaPath, b.MetaPath)
	})

	return entries, errs, nil
}

func loadEntry(dir, metaPath string) (Entry, error) {
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return Entry{}, fmt.Errorf("не удалось прочитать метаданные: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if err := validateRecord(rec); err != nil {
		return Entry{}, err
	}

	contentPath := filepath.Join(dir, rec.ContentFile)
	info, err := os.Stat(contentPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Entry{}, fmt.Errorf("%w: %s", ErrOrphanedMetadata, rec.ContentFile)
	case err != nil:
		return Entry{}, fmt.Errorf("не удалось проверить %s: %w", rec.ContentFile, err)
	case !info.Mode().IsRegular():
		return Entry{}, fmt.Errorf("%w: %s не является файлом", ErrMalformedRecord, rec.ContentFile)
	}

	return Entry{Record: rec, MetaPath: metaPath, ContentPath: contentPath}, nil
}

func validateRecord(rec Record) error {
	if rec.ContentFile == "" {
		return ErrMissingContentFile
	}
	if rec.ContentFile == "." || rec.ContentFile == ".." ||
		strings.ContainsAny(rec.ContentFile, `/\`) || filepath.Base(rec.ContentFile) != rec.ContentFile {
		return fmt.Errorf("%w: %q", ErrUnsafeContentFile, rec.ContentFile)
	}
	if rec.Queue == "" {
		return fmt.Errorf("%w: не указана очередь", ErrMalformedRecord)
	}
	if rec.Index < 0 {
		return fmt.Errorf("%w: отрицательный index %d", ErrMalformedRecord, rec.Index)
	}
	return nil
}
