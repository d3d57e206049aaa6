// Package strongroom implements the security core of a client-side
// encrypted storage vault: every user file is stored on disk only in
// encrypted form, and a master key derived from the vault password gates
// access to all files and to the metadata database key.
//
// # Overview
//
// A vault is a directory of encrypted containers plus a small durable state
// database. Each container holds one file under a random 256-bit file
// encryption key (FEK); the FEK is stored only wrapped under the master key
// (envelope encryption). The master key itself is never persisted - it is
// re-derived from the password with Argon2id on every unlock.
//
// # Container format
//
//	MAGIC(4) | VERSION(1) | BODY_IV(12) | WRAPPED_FEK(60) | META_LEN(4) | ENC_META | BODY
//
// The body is AES-256-CTR under the FEK with the counter initialized from
// BODY_IV, so reads are streamed and seekable and checking a header never
// touches the body. The same 12 bytes serve as the AEAD nonce wrapping the
// FEK under the master key; this sharing is safe because the two operations
// use different keys, and it is what password rotation relies on - a re-wrap
// replaces the wrapping but must preserve the IV so the body keystream is
// unchanged.
//
// # Password rotation
//
// ChangePassword re-wraps every container's FEK and the database key under
// the new master key without touching any body or the metadata store. The
// operation is checkpointed to a durable journal; a crash at any point
// leaves the vault recoverable on the next password unlock, which either
// rolls the rotation forward (after the commit point) or back (before it).
// Per-container re-wraps commit by writing a temp file in the container
// directory and atomically renaming it over the original; atomic rename
// within a directory is a deployment precondition.
//
// # Basic usage
//
//	v, err := strongroom.New(&strongroom.Config{
//	    FS:           osfs,
//	    ContainerDir: "/vault/containers",
//	    StatePath:    "/vault/state.db",
//	})
//	if err != nil {
//	    panic(err)
//	}
//	defer v.Close()
//
//	if err := v.Unlock([]byte("correct horse battery staple")); err != nil {
//	    // strongroom.ErrInvalidCredentials means wrong password
//	}
//
//	name, _ := v.Put("holiday.jpg", "image/jpeg", photo)
//	rc, md, _ := v.Open(name)
//	defer rc.Close()
//
// # Security model
//
// Protected against: offline access to containers at rest, tampering with
// headers and wrapped keys (AEAD), filename/metadata leakage to external
// observers (opaque container names, sealed metadata), and brute-force of
// weak passwords (memory-hard KDF).
//
// Not protected against: an attacker with code execution while the vault is
// unlocked, or recovery of overwritten plaintext on copy-on-write
// filesystems after SecureDelete.
package strongroom
