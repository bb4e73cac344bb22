// Package history stores relay state changes in SQLite.
//
// Every change the bridge observes (live bus update, startup discovery or
// periodic refresh) becomes one row in relay_state_history. The table gives
// a local audit trail that survives InfluxDB being unavailable, and backs
// the /relays/{node}/history API route.
//
// Rows older than the configured retention are removed by Pruner.
package history
