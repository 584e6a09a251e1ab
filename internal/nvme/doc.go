// Package nvme turns the data pointer of an NVMe command into a list of
// local memory segments.
//
// Every address and length in a data pointer comes from the client and is
// checked before it is used: ranges go through a Translator, list sizes are
// validated, chains are bounded, and output capacity is checked before each
// write. A call either fills the caller's segment slice or fails without
// leaving any segment behind.
package nvme
