package storage

import (
	"github.com/THPTUHA/careflow/server/storage/migrations"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Migrate applies the embedded schema to dsn. With down set every migration
// is rolled back instead.
func Migrate(dsn string, down bool, logger *logrus.Entry) error {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return errors.Wrap(err, "init migrations")
	}
	defer m.Close()

	if down {
		err = m.Down()
	} else {
		err = m.Up()
	}
	if err == migrate.ErrNoChange {
		logger.Info("storage: schema already up to date")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	version, dirty, _ := m.Version()
	logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("storage: migrations applied")
	return nil
}
