// Package dedupe tracks recently seen delivery keys so retried webhook
// deliveries are dropped instead of producing duplicate room messages.
package dedupe
