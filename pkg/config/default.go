// Global database config.
package config

// Name of the database.
const DBName = "trilodb"

// The maximum number of pages that can be held in the buffer pool at once.
const MaxPagesInBuffer = 32

// The K used by the buffer pool's LRU-K replacer.
const ReplacerK = 2
