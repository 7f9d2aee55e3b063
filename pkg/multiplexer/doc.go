// Package multiplexer pools several client channels to the same server
// behind one facade.
//
// Slots are built lazily from a ChannelFactory, or all at once by Start.
// Sends pick a slot round-robin (or by least in-flight work) and move on
// to another slot when the chosen channel has failed. Received messages,
// notifications and commands from every slot are merged into single
// queues with no ordering across slots.
//
// Every pooled channel shares one correlation table, so a response to
// ProcessCommand is matched whichever channel it arrives on. A slot whose
// channel ends is rebuilt in the background with exponential backoff.
package multiplexer
