// Package logx is a thin structured-logging layer over zerolog.
//
// Services receive a Logger value and never touch zerolog directly. The
// Service type owns sink configuration (console, file, telegram relay) and
// supports hot reconfiguration via Apply(); Loggers created from it stay
// live across Apply() calls.
package logx
