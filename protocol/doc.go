package protocol

// This package implements parsing and serialising for the NSQ style V2 TCP
// protocol spoken between nsqc and a message broker.
//
// - `Command` - A client instruction to the broker.
// - `Frame`   - A length prefixed unit sent by the broker to the client.
//
// === Handshake
//
// The client opens with the 4 byte magic `  V2` and then identifies itself
//
//  ```
//    > "  V2"
//    > IDENTIFY\n[uint32 size][json]
//    < [response frame, json or OK]
//  ```
//
// === Commands
//
// - lines are `\n` delimited, params are separated by a single space
// - commands that carry data follow the line with `[uint32 size][data]`
// - all integers are big endian
//
//  ```
//    SUB <topic> <channel>\n
//    RDY <count>\n
//    FIN <id>\n
//    REQ <id> <timeout ms>\n
//    TOUCH <id>\n
//    PUB <topic>\n[uint32 size][body]
//    MPUB <topic>\n[uint32 size][uint32 count]([uint32 size][body])*
//    DPUB <topic> <defer ms>\n[uint32 size][body]
//    AUTH\n[uint32 size][secret]
//    NOP\n
//    CLS\n
//  ```
//
// === Frames
//
//  ```
//    [uint32 size][uint32 type][payload]
//  ```
//
// `size` counts the type field plus the payload. Types are
//
// - 0 Response, the payload is the response text. `_heartbeat_` must be
//   answered with `NOP`.
// - 1 Error, the payload is `E_CODE description`. Most codes close the
//   connection, see ErrorCode.TerminatesConnection.
// - 2 Message
//
//  ```
//    [int64 timestamp][uint16 attempts][16 byte id][body]
//  ```
//
// Note: frames can arrive split across any number of reads. Use a Decoder,
// it buffers partial frames until they are whole.
//
