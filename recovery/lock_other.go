//go:build !unix

package recovery

import (
	"fmt"
	"os"
)

// DirLock — заглушка блокировки для платформ без flock.
type DirLock struct{}

// LockDir на этих платформах только создает каталог; взаимное исключение
// должно обеспечиваться снаружи.
func LockDir(dir string) (*DirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог %s: %w", dir, err)
	}
	return &DirLock{}, nil
}

// Release ничего не делает.
func (l *DirLock) Release() error {
	return nil
}
