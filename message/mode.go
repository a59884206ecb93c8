package message

import (
	"fmt"
	"strings"
)

// Mode определяет режим работы клиента брокера.
type Mode int

const (
	// ModePublish — только публикация.
	ModePublish Mode = iota + 1
	// ModeConsume — только потребление.
	ModeConsume
	// ModeBoth — публикация и последующее потребление.
	ModeBoth
)

// ParseMode разбирает строковое представление режима.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "publish":
		return ModePublish, nil
	case "consume":
		return ModeConsume, nil
	case "both":
		return ModeBoth, nil
	default:
		return 0, fmt.Errorf("неизвестный режим %q: ожидается publish, consume или both", s)
	}
}

// String возвращает строковое представление режима.
func (m Mode) String() string {
	switch m {
	case ModePublish:
		return "publish"
	case ModeConsume:
		return "consume"
	case ModeBoth:
		return "both"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Publishes сообщает, включает ли режим публикацию.
func (m Mode) Publishes() bool {
	return m == ModePublish || m == ModeBoth
}

// Consumes сообщает, включает ли режим потребление.
func (m Mode) Consumes() bool {
	return m == ModeConsume || m == ModeBoth
}

// MarshalText реализует encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText реализует encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
