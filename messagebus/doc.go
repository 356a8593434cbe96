/*
Package messagebus provides an in-process message bus that routes commands and events
to registered handlers and folds the messages those handlers emit back into the same
dispatch pass.

Commands have exactly one handler and produce a result; a failing command handler aborts
the whole dispatch. Events fan out to zero or more handlers; a failing event handler is
logged and its siblings still run. Messages emitted by handlers are collected from the
work unit after each successful invocation and processed breadth-first.
*/
package messagebus
