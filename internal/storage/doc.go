// Package storage provides the storage accounts watched by the trigger host.
//
// Two account kinds exist:
//   - file: a local development account. Blobs and queue messages live as
//     plain files under a root directory; containers can be watched with
//     fsnotify.
//   - sqlite: a SQLite database holding blobs, an append-only blob write log
//     and queue messages with visibility timeouts.
//
// Callers probe optional behavior with type assertions on WriteLog and
// ChangeNotifier.
package storage
