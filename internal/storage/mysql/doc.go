// Package mysql provides the SQL persistence layer: connection pooling,
// embedded schema migrations and the conversation recorder. The same code
// runs against MySQL in production and an embedded SQLite file for local
// development and tests.
package mysql
