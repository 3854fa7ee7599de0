package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateName is returned when the sibling-name uniqueness constraint rejects a write.
	ErrDuplicateName = errors.New("store: duplicate sibling name")
	// ErrMissingReference is returned when a referenced parent, folder or workspace does not exist
	// (or belongs to another workspace) at write time.
	ErrMissingReference = errors.New("store: missing reference")
	// ErrSerialization is returned when a concurrent transaction invalidated this one.
	ErrSerialization = errors.New("store: serialization failure")
	ErrCycle         = errors.New("store: folder would become its own ancestor")
)

const (
	sqlStateUniqueViolation     = "23505"
	sqlStateForeignKeyViolation = "23503"
	sqlStateCheckViolation      = "23514"
	sqlStateSerialization       = "40001"
	sqlStateDeadlock            = "40P01"
	sqlStateInvalidText         = "22P02"
)

// classify maps driver errors onto the store sentinels, leaving unknown errors untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.SQLState() {
	case sqlStateUniqueViolation:
		return ErrDuplicateName
	case sqlStateForeignKeyViolation:
		return ErrMissingReference
	case sqlStateCheckViolation:
		if pgErr.ConstraintName == "folders_not_own_parent" {
			return ErrCycle
		}
		return err
	case sqlStateInvalidText:
		// a malformed uuid cannot address any row
		return ErrNotFound
	case sqlStateSerialization, sqlStateDeadlock:
		return ErrSerialization
	default:
		return err
	}
}
