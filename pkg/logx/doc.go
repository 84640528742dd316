// Package logx is relaybot's logging facade over zerolog.
//
// Console output is human readable, the optional file output is JSON and
// rotated by lumberjack, and records at or above a threshold can be copied
// to an operator chat through OperatorSender. Loggers built from a Service
// follow Service.Apply, so a config reload changes them in place.
package logx
