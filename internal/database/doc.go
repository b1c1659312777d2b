// Package database creates PostgreSQL connection pools for the archive.
package database
