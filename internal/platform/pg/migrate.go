package pg

import (
	"errors"
	"fmt"
	"io/fs"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// MigrationInfo содержит информацию о результате применения миграций.
type MigrationInfo struct {
	Applied        bool // Были ли применены новые миграции
	CurrentVersion uint // Версия до применения
	FinalVersion   uint // Версия после применения
	Dirty          bool // Находится ли БД в "грязном" состоянии
}

// newMigrate создает экземпляр migrate поверх встроенных миграций.
func newMigrate(dsn string, fsys fs.FS, dirName string) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(fsys, dirName)
	if err != nil {
		return nil, fmt.Errorf("failed to create iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// ApplyMigrationsFromFS применяет миграции из файловой системы (fs.FS).
// Функция безопасна для повторного вызова: migrate.ErrNoChange не считается ошибкой.
//
// Параметры:
//   - dsn: строка подключения к PostgreSQL
//   - fsys: файловая система с миграциями (обычно embed.FS)
//   - dirName: имя директории в fsys с файлами миграций
func ApplyMigrationsFromFS(dsn string, fsys fs.FS, dirName string) (MigrationInfo, error) {
	m, err := newMigrate(dsn, fsys, dirName)
	if err != nil {
		return MigrationInfo{}, err
	}
	defer func() {
		_, _ = m.Close()
	}()

	info := MigrationInfo{}

	// Получаем текущую версию до применения
	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationInfo{}, fmt.Errorf("failed to get current version: %w", err)
	}
	info.CurrentVersion = currentVersion
	info.FinalVersion = currentVersion
	info.Dirty = dirty

	if dirty {
		return info, fmt.Errorf("database is in dirty state at version %d", currentVersion)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return info, nil
		}
		return info, fmt.Errorf("failed to apply migrations: %w", err)
	}

	info.Applied = true
	if finalVersion, _, err := m.Version(); err == nil {
		info.FinalVersion = finalVersion
	}

	return info, nil
}

// MigrationVersionFromFS возвращает текущую версию миграций.
// Если миграции еще не применялись, возвращает 0 без ошибки.
func MigrationVersionFromFS(dsn string, fsys fs.FS, dirName string) (uint, bool, error) {
	m, err := newMigrate(dsn, fsys, dirName)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_, _ = m.Close()
	}()

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return version, dirty, nil
}
