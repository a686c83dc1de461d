package fs

import (
	"encoding/binary"

	"github.com/coldtrie/bcachefs-go/fsutil"
)

// Key encodings for the inode and subvolume trees. Dirents go through
// kv.HashIndex instead (parent, name, snapshot) rather than a tree key,
// per spec.md §6's hash-index contract.

func inodeKey(subvol uint32, inum uint64) []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], subvol)
	binary.BigEndian.PutUint64(b[4:12], inum)
	return b
}

func subvolumeKey(id uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, id)
	return b
}

// xattrKey addresses one named xattr blob on (subvol, inum). POSIX ACL
// encoding is out of scope (spec.md §1); Create stores the
// caller-supplied ACL/default-ACL bytes here opaquely, under the fixed
// names "acl" and "default_acl".
func xattrKey(subvol uint32, inum uint64, name string) []byte {
	b := make([]byte, 12+len(name))
	binary.BigEndian.PutUint32(b[0:4], subvol)
	binary.BigEndian.PutUint64(b[4:12], inum)
	copy(b[12:], name)
	return b
}

const inodeValueLen = 4 + 8 + 4 + 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4

func encodeInode(i Inode) []byte {
	b := make([]byte, inodeValueLen)
	off := 0
	putU32 := func(v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v); off += 4 }
	putU64 := func(v uint64) { binary.LittleEndian.PutUint64(b[off:off+8], v); off += 8 }

	putU32(i.Subvol)
	putU64(i.Inum)
	putU32(i.Mode)
	putU32(i.UID)
	putU32(i.GID)
	putU32(i.Rdev)
	putU32(i.Nlink)
	putU64(i.Size)
	putU64(i.Sectors)
	putU64(uint64(i.Atime))
	putU64(uint64(i.Mtime))
	putU64(uint64(i.Ctime))
	putU64(uint64(i.Otime))
	putU64(i.DirInum)
	putU64(i.DirOffset)
	putU32(i.ParentSubvol)
	putU32(i.SubvolRoot)
	putU32(uint32(i.Depth))
	putU32(uint32(i.Flags))
	putU32(i.Generation)
	putU32(i.Project)
	return b
}

func decodeInode(b []byte) (Inode, error) {
	if len(b) != inodeValueLen {
		return Inode{}, fsutil.New(fsutil.CodeCorruption, "fs: inode value has unexpected length")
	}
	var i Inode
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(b[off : off+4]); off += 4; return v }
	getU64 := func() uint64 { v := binary.LittleEndian.Uint64(b[off : off+8]); off += 8; return v }

	i.Subvol = getU32()
	i.Inum = getU64()
	i.Mode = getU32()
	i.UID = getU32()
	i.GID = getU32()
	i.Rdev = getU32()
	i.Nlink = getU32()
	i.Size = getU64()
	i.Sectors = getU64()
	i.Atime = int64(getU64())
	i.Mtime = int64(getU64())
	i.Ctime = int64(getU64())
	i.Otime = int64(getU64())
	i.DirInum = getU64()
	i.DirOffset = getU64()
	i.ParentSubvol = getU32()
	i.SubvolRoot = getU32()
	i.Depth = uint16(getU32())
	i.Flags = InodeFlags(getU32())
	i.Generation = getU32()
	i.Project = getU32()
	return i, nil
}

const direntValueLen = 8 + 4 + 1

func encodeDirentValue(targetInum uint64, targetSubvol uint32, typ DirentType) []byte {
	b := make([]byte, direntValueLen)
	binary.LittleEndian.PutUint64(b[0:8], targetInum)
	binary.LittleEndian.PutUint32(b[8:12], targetSubvol)
	b[12] = byte(typ)
	return b
}

func decodeDirentValue(b []byte) (targetInum uint64, targetSubvol uint32, typ DirentType, err error) {
	if len(b) != direntValueLen {
		return 0, 0, 0, fsutil.New(fsutil.CodeCorruption, "fs: dirent value has unexpected length")
	}
	targetInum = binary.LittleEndian.Uint64(b[0:8])
	targetSubvol = binary.LittleEndian.Uint32(b[8:12])
	typ = DirentType(b[12])
	return targetInum, targetSubvol, typ, nil
}

const subvolumeValueLen = 8 + 4 + 1 + 1

func encodeSubvolume(s Subvolume) []byte {
	b := make([]byte, subvolumeValueLen)
	binary.LittleEndian.PutUint64(b[0:8], s.RootInode)
	binary.LittleEndian.PutUint32(b[8:12], s.FsPathParent)
	if s.IsSnapshot {
		b[12] = 1
	}
	if s.IsRO {
		b[13] = 1
	}
	return b
}

func decodeSubvolume(id uint32, b []byte) (Subvolume, error) {
	if len(b) != subvolumeValueLen {
		return Subvolume{}, fsutil.New(fsutil.CodeCorruption, "fs: subvolume value has unexpected length")
	}
	return Subvolume{
		ID:           id,
		RootInode:    binary.LittleEndian.Uint64(b[0:8]),
		FsPathParent: binary.LittleEndian.Uint32(b[8:12]),
		IsSnapshot:   b[12] != 0,
		IsRO:         b[13] != 0,
	}, nil
}

// direntOccupiedSize approximates the on-disk size a dirent contributes
// to its parent directory's Inode.Size, per spec.md §4.5's "increase
// dir size by the dirent's occupied size." The real format packs a
// variable-length record; this module doesn't model the B-tree value
// encoding, so it charges a fixed per-entry overhead plus the name.
func direntOccupiedSize(name string) uint64 {
	const direntFixedOverhead = 24
	return uint64(direntFixedOverhead + len(name))
}
