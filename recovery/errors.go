package recovery

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedRecord — файл метаданных не является корректным JSON или
	// не содержит обязательных полей.
	ErrMalformedRecord = errors.New("некорректная запись метаданных")
	// ErrMissingContentFile — в метаданных не указан contentFile.
	ErrMissingContentFile = errors.New("в метаданных не указан contentFile")
	// ErrOrphanedMetadata — файл содержимого, на который ссылаются метаданные, отсутствует.
	ErrOrphanedMetadata = errors.New("файл содержимого отсутствует")
	// ErrUnsafeContentFile — contentFile указывает за пределы каталога.
	ErrUnsafeContentFile = errors.New("contentFile должен быть именем файла внутри каталога")
	// ErrPersistence — сообщение не удалось сохранить для повторной отправки.
	ErrPersistence = errors.New("не удалось сохранить сообщение")
	// ErrLocked — каталог уже обрабатывается другим процессом.
	ErrLocked = errors.New("каталог заблокирован другим процессом")
	// ErrSameDirectory — каталог повторных сбоев совпадает с обрабатываемым.
	ErrSameDirectory = errors.New("каталог повторных сбоев совпадает с каталогом повторной отправки")
)

// RecordError описывает проблему с конкретной записью в каталоге.
type RecordError struct {
	MetaPath string
	Err      error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("%s: %v", e.MetaPath, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// PersistenceError возвращается, когда публикация не удалась и сообщение
// также не удалось записать на диск. Ошибка оборачивает обе причины.
type PersistenceError struct {
	Cause error // Исходная ошибка публикации
	Err   error // Ошибка записи на диск
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%v; %v: %v", e.Cause, ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Is сообщает, что PersistenceError соответствует ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// RecordedError возвращается, когда публикация не удалась, но сообщение
// сохранено для повторной отправки.
type RecordedError struct {
	Cause  error
	Record Record
}

func (e *RecordedError) Error() string {
	return fmt.Sprintf("%v (сохранено в %s)", e.Cause, e.Record.ContentFile)
}

func (e *RecordedError) Unwrap() error {
	return e.Cause
}
