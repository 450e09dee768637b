// Package logx configures refreshbot's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps console output readable
// (short timestamp and caller) and file output JSON-structured. Engine
// activity is a separate stream; see internal/controller.
package logx
