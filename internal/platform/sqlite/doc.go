// Package sqlite предоставляет инфраструктурные компоненты для работы с SQLite
// (драйвер modernc.org/sqlite, без cgo).
//
// Основные возможности:
//   - Открытие БД с PRAGMA настройками (WAL, busy_timeout, foreign_keys)
//   - Миграции из встроенной файловой системы через golang-migrate
//
// # Быстрый старт
//
//	db, err := sqlite.Open(ctx, "data/journal.db", sqlite.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	//go:embed migrations/*.sql
//	var migrations embed.FS
//
//	if _, err := sqlite.ApplyMigrationsFromFS("data/journal.db", migrations, "migrations"); err != nil {
//		return err
//	}
//
// SQLite допускает одного писателя, поэтому пул по умолчанию небольшой,
// а busy_timeout сглаживает конкурентные вставки.
package sqlite
