package pipeline

import "fmt"

// Stage — этап обработки элемента в конвейере.
type Stage int

const (
	// StageConsume — получение сообщений из очереди-источника.
	StageConsume Stage = iota + 1
	// StageTransform — преобразование сообщения.
	StageTransform
	// StagePublish — публикация в очередь назначения.
	StagePublish
)

// String возвращает строковое представление этапа.
func (s Stage) String() string {
	switch s {
	case StageConsume:
		return "consume"
	case StageTransform:
		return "transform"
	case StagePublish:
		return "publish"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// StageError связывает ошибку с этапом, на котором она произошла.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
