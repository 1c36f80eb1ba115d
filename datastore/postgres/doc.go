/*
Package postgres implements the Apollo store interfaces
(internal/cloner.Store, internal/orchestration.Store, httpapi.Store)
over a PostgreSQL database via pgx/v5.

SQL statements should be arranged in this package such that they're
constants in the closest scope possible to where they're used. Queries
should endeavor to do work database-side, as opposed to making queries
to construct further queries.
*/
package postgres
